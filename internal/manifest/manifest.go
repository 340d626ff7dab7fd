// Package manifest probes resolved HLS manifests: given the playable
// URL the resolver produced, it fetches the master playlist and
// enumerates the variant streams.
package manifest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/pkg/errors"

	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/scraper"
	"github.com/kodikgo/kodik/internal/util"
)

// Variant is one stream of a master playlist.
type Variant struct {
	URI        string `json:"uri"`
	Bandwidth  uint32 `json:"bandwidth"`
	Resolution string `json:"resolution,omitempty"`
}

// Probe fetches manifestURL and returns its variants sorted by
// descending bandwidth. A media (non-master) playlist yields a single
// variant pointing back at the input.
func Probe(ctx context.Context, client scraper.Doer, manifestURL string) ([]Variant, error) {
	if client == nil {
		client = util.GetSharedClient()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrParse, "building request: %v", err)
	}
	req.Header.Set("User-Agent", scraper.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNetwork, "fetching manifest: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(errs.ErrNetwork, "fetching manifest: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNetwork, "reading manifest: %v", err)
	}

	return Parse(body, manifestURL)
}

// Parse decodes playlist bytes into variants. baseURL resolves
// relative variant URIs.
func Parse(body []byte, baseURL string) ([]Variant, error) {
	playlist, kind, err := m3u8.Decode(*bytes.NewBuffer(body), true)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrParse, "decoding playlist: %v", err)
	}

	switch kind {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		variants := make([]Variant, 0, len(master.Variants))
		for _, v := range master.Variants {
			if v == nil {
				continue
			}
			variants = append(variants, Variant{
				URI:        resolveURI(baseURL, v.URI),
				Bandwidth:  v.Bandwidth,
				Resolution: v.Resolution,
			})
		}
		if len(variants) == 0 {
			return nil, errors.Wrap(errs.ErrParse, "master playlist has no variants")
		}
		sort.Slice(variants, func(i, j int) bool {
			return variants[i].Bandwidth > variants[j].Bandwidth
		})
		return variants, nil
	case m3u8.MEDIA:
		return []Variant{{URI: baseURL}}, nil
	default:
		return nil, errors.Wrapf(errs.ErrParse, "unsupported playlist kind %d", kind)
	}
}

// resolveURI joins a variant URI onto the playlist URL. Variant names
// on this host carry colons in their first segment, which url.Parse
// rejects for relative references, so relative paths are resolved by
// hand.
func resolveURI(baseURL, uri string) string {
	if strings.Contains(uri, "://") || strings.HasPrefix(uri, "//") {
		return uri
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return uri
	}
	if strings.HasPrefix(uri, "/") {
		return base.Scheme + "://" + base.Host + uri
	}
	dir := "/"
	if i := strings.LastIndex(base.Path, "/"); i >= 0 {
		dir = base.Path[:i+1]
	}
	return base.Scheme + "://" + base.Host + dir + uri
}
