package resolver_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/models"
	"github.com/kodikgo/kodik/internal/resolver"
	"github.com/kodikgo/kodik/internal/scraper"
)

func embedPage(mediaID, hash string) string {
	return fmt.Sprintf(`<html><head>
<script src="/assets/js/app.player.min.js"></script>
</head><body>
<div class="serial-translations-box"><select>
<option data-id="610" data-media-hash="h610" data-media-id="9001">AniLibria</option>
<option data-id="609" data-media-hash="h609" data-media-id="9002">AniDUB</option>
</select></div>
<div class="serial-series-box"><select>
<option value="1">1</option><option value="2">2</option>
</select></div>
<script>
var urlParams = '{"d":"site.example","d_sign":"ds","pd":"kodik.info","pd_sign":"pds","ref":"https://site.example/","ref_sign":"rs"}';
videoInfo.type = 'seria';
videoInfo.hash = '%s';
videoInfo.id = '%s';
</script>
</body></html>`, hash, mediaID)
}

// obfuscate applies the host's rotate+base64 transform at rotation r.
func obfuscate(plain string, r int) string {
	b64 := base64.StdEncoding.EncodeToString([]byte(plain))
	var b strings.Builder
	for i := 0; i < len(b64); i++ {
		c := b64[i]
		switch {
		case c >= 'a' && c <= 'z':
			c = 'a' + (c-'a'+byte(r))%26
		case c >= 'A' && c <= 'Z':
			c = 'A' + (c-'A'+byte(r))%26
		}
		b.WriteByte(c)
	}
	return strings.TrimRight(b.String(), "=")
}

type fixture struct {
	server    *httptest.Server
	res       *resolver.Resolver
	postCount atomic.Int64
	links     func() map[string][]models.VideoSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.links = func() map[string][]models.VideoSource {
		return map[string][]models.VideoSource{
			"360": {{Src: "//cloud.example/a/360.mp4:hls:manifest.m3u8"}},
			"720": {{Src: "//cloud.example/b/720.mp4:hls:manifest.m3u8"}},
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/serial/", func(w http.ResponseWriter, r *http.Request) {
		segs := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		require.Len(t, segs, 4)
		_, _ = w.Write([]byte(embedPage(segs[1], segs[2])))
	})
	mux.HandleFunc("/assets/js/app.player.min.js", func(w http.ResponseWriter, r *http.Request) {
		// "L2dldC12aWRlbw==" decodes to "/get-video".
		_, _ = w.Write([]byte(`$.ajax({type:"POST",url:atob("L2dldC12aWRlbw=="),data:d});`))
	})
	mux.HandleFunc("/get-video", func(w http.ResponseWriter, r *http.Request) {
		f.postCount.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "ds", r.PostForm.Get("d_sign"))
		assert.NotEmpty(t, r.PostForm.Get("hash"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"links": f.links()})
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	sc := scraper.New(f.server.Client())
	f.res = resolver.New(f.server.Client(), sc, nil, resolver.Config{MaxRetries: 2, Backoff: 5 * time.Millisecond})
	return f
}

func (f *fixture) embedURL() string {
	return f.server.URL + "/serial/9001/h610/720p"
}

func TestResolveEmbedPicksMaxQuality(t *testing.T) {
	f := newFixture(t)

	got, err := f.res.ResolveEmbed(context.Background(), f.embedURL(), 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 720, got.MaxQuality)
	assert.Equal(t, "https://cloud.example/b/", got.URL, "protocol-relative prefix stripped, trimmed to directory form")
}

func TestResolveEmbedDecodesObfuscatedLink(t *testing.T) {
	f := newFixture(t)
	f.links = func() map[string][]models.VideoSource {
		return map[string][]models.VideoSource{
			"480": {{Src: obfuscate("//cloud.example/enc/480.mp4:hls:manifest.m3u8", 7)}},
		}
	}

	got, err := f.res.ResolveEmbed(context.Background(), f.embedURL(), 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 480, got.MaxQuality)
	assert.Equal(t, "https://cloud.example/enc/", got.URL)
}

func TestResolveEmbedDecryptionFailureIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.links = func() map[string][]models.VideoSource {
		return map[string][]models.VideoSource{
			"720": {{Src: "u93+bm90IGEgbWFuaWZlc3Q"}},
		}
	}

	_, err := f.res.ResolveEmbed(context.Background(), f.embedURL(), 0, 0)
	assert.ErrorIs(t, err, errs.ErrDecryptionFailed)
	assert.Equal(t, int64(1), f.postCount.Load(), "the keyspace is exhausted; no re-POST helps")
}

func TestResolveEmbedNavigatesTranslation(t *testing.T) {
	f := newFixture(t)

	f.links = func() map[string][]models.VideoSource {
		return map[string][]models.VideoSource{
			"360": {{Src: "//cloud.example/tr/360.mp4:hls:manifest.m3u8"}},
		}
	}

	got, err := f.res.ResolveEmbed(context.Background(), f.embedURL(), 2, 609)
	require.NoError(t, err)
	assert.Equal(t, 360, got.MaxQuality)
}

func TestResolveEmbedUnknownTranslation(t *testing.T) {
	f := newFixture(t)
	_, err := f.res.ResolveEmbed(context.Background(), f.embedURL(), 0, 777)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestNetworkFailuresAreRetried(t *testing.T) {
	var failures atomic.Int64
	failures.Store(2)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if failures.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(embedPage("1", "h")))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	sc := scraper.New(server.Client())
	res := resolver.New(server.Client(), sc, nil, resolver.Config{MaxRetries: 3, Backoff: time.Millisecond})

	// The embed fetch succeeds on the third attempt; the app.js fetch
	// then fails to parse, proving we got past the retries.
	_, err := res.ResolveEmbed(context.Background(), server.URL+"/serial/1/h/720p", 0, 0)
	assert.ErrorIs(t, err, errs.ErrParse)
}

func TestParseFailuresAreNotRetried(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html><body>no markers</body></html>"))
	}))
	defer server.Close()

	sc := scraper.New(server.Client())
	res := resolver.New(server.Client(), sc, nil, resolver.Config{MaxRetries: 3, Backoff: time.Millisecond})

	_, err := res.ResolveEmbed(context.Background(), server.URL+"/serial/1/h/720p", 0, 0)
	assert.ErrorIs(t, err, errs.ErrParse)
	assert.Equal(t, int64(1), hits.Load())
}

func TestGetVideoURLUsesEmbedLink(t *testing.T) {
	f := newFixture(t)
	lookup := func(ctx context.Context, mediaID string, idType models.IDType) (string, error) {
		assert.Equal(t, "42", mediaID)
		assert.Equal(t, models.IDTypeShikimori, idType)
		return f.embedURL(), nil
	}
	sc := scraper.New(f.server.Client())
	res := resolver.New(f.server.Client(), sc, lookup, resolver.Config{Backoff: time.Millisecond})

	got, err := res.GetVideoURL(context.Background(), "42", models.IDTypeShikimori, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 720, got.MaxQuality)
}
