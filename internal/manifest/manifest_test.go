package manifest_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/manifest"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=640x360
360.mp4:hls:manifest.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=2400000,RESOLUTION=1280x720
720.mp4:hls:manifest.m3u8
`

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:9.8,
seg0.ts
#EXT-X-ENDLIST
`

func TestParseMasterSortedByBandwidth(t *testing.T) {
	variants, err := manifest.Parse([]byte(masterPlaylist), "https://cloud.example/b/")
	require.NoError(t, err)
	require.Len(t, variants, 2)

	assert.Equal(t, uint32(2400000), variants[0].Bandwidth)
	assert.Equal(t, "1280x720", variants[0].Resolution)
	assert.Equal(t, "https://cloud.example/b/720.mp4:hls:manifest.m3u8", variants[0].URI)
	assert.Equal(t, uint32(800000), variants[1].Bandwidth)
}

func TestParseMediaPlaylist(t *testing.T) {
	variants, err := manifest.Parse([]byte(mediaPlaylist), "https://cloud.example/b/list.m3u8")
	require.NoError(t, err)
	require.Len(t, variants, 1)
	assert.Equal(t, "https://cloud.example/b/list.m3u8", variants[0].URI)
}

func TestParseGarbage(t *testing.T) {
	_, err := manifest.Parse([]byte("<html>not a playlist</html>"), "https://x/")
	assert.ErrorIs(t, err, errs.ErrParse)
}

func TestProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(masterPlaylist))
	}))
	defer server.Close()

	variants, err := manifest.Probe(context.Background(), server.Client(), server.URL+"/master.m3u8")
	require.NoError(t, err)
	assert.Len(t, variants, 2)
}

func TestProbeNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	_, err := manifest.Probe(context.Background(), server.Client(), server.URL)
	assert.ErrorIs(t, err, errs.ErrNetwork)
}
