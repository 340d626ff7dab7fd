// Package resolver turns a media identity into a directly playable
// manifest URL: it walks the embed page, submits the signed
// link-resolution POST, picks the best quality from the returned link
// table, and runs the cipher when the link comes back obfuscated.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kodikgo/kodik/internal/cipher"
	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/models"
	"github.com/kodikgo/kodik/internal/scraper"
	"github.com/kodikgo/kodik/internal/util"
)

// EmbedLinkFunc resolves the embed page URL for a media id. The API
// client supplies one backed by the search endpoint.
type EmbedLinkFunc func(ctx context.Context, mediaID string, idType models.IDType) (string, error)

// Config tunes retry behavior for transient network failures.
type Config struct {
	// MaxRetries bounds re-attempts after the first try.
	MaxRetries int
	// Backoff is the base delay; attempt n sleeps n*Backoff.
	Backoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Backoff == 0 {
		c.Backoff = time.Second
	}
	return c
}

// Resolver orchestrates scraping and the signed POST into a playable
// URL.
type Resolver struct {
	client    scraper.Doer
	scraper   *scraper.Scraper
	embedLink EmbedLinkFunc
	cfg       Config
}

// New builds a Resolver. embedLink may be nil when callers always pass
// explicit embed URLs through ResolveEmbed.
func New(client scraper.Doer, sc *scraper.Scraper, embedLink EmbedLinkFunc, cfg Config) *Resolver {
	if client == nil {
		client = util.GetSharedClient()
	}
	return &Resolver{
		client:    client,
		scraper:   sc,
		embedLink: embedLink,
		cfg:       cfg.withDefaults(),
	}
}

// GetVideoURL resolves the playable manifest URL for an episode of a
// media item. A zero translationID keeps the embed page's default
// translation; a zero episode addresses movies and single-video pages.
func (r *Resolver) GetVideoURL(ctx context.Context, mediaID string, idType models.IDType, episode, translationID int) (*models.VideoURL, error) {
	embedURL, err := r.embedLink(ctx, mediaID, idType)
	if err != nil {
		return nil, err
	}
	return r.ResolveEmbed(ctx, embedURL, episode, translationID)
}

// ResolveEmbed runs the resolution flow against a known embed page URL.
func (r *Resolver) ResolveEmbed(ctx context.Context, embedURL string, episode, translationID int) (*models.VideoURL, error) {
	embedURL = normalizeScheme(embedURL)

	if translationID != 0 {
		embedURL2, err := r.navigateTranslation(ctx, embedURL, translationID)
		if err != nil {
			return nil, err
		}
		embedURL = embedURL2
	}
	if episode > 0 {
		embedURL = withEpisode(embedURL, episode)
	}

	var meta *models.EmbedMeta
	err := r.withRetry(ctx, "embed page", func() error {
		var ferr error
		meta, ferr = r.scraper.FetchEmbedMeta(ctx, embedURL)
		return ferr
	})
	if err != nil {
		return nil, err
	}

	table, err := r.postForLinks(ctx, embedURL, meta)
	if err != nil {
		return nil, err
	}
	return selectBestLink(table)
}

// navigateTranslation re-targets the embed URL at the requested
// translation's media hash and id, scraped from the translations list.
func (r *Resolver) navigateTranslation(ctx context.Context, embedURL string, translationID int) (string, error) {
	var info *scraper.SeriesInfo
	err := r.withRetry(ctx, "translations list", func() error {
		var ferr error
		info, ferr = r.scraper.FetchSeriesInfo(ctx, embedURL)
		return ferr
	})
	if err != nil {
		return "", err
	}
	tr, err := scraper.FindTranslation(info, translationID)
	if err != nil {
		return "", err
	}
	if tr.MediaHash == "" || tr.MediaID == "" {
		// Already the page's active translation.
		return embedURL, nil
	}

	u, err := url.Parse(embedURL)
	if err != nil {
		return "", errors.Wrapf(errs.ErrParse, "bad embed url %q: %v", embedURL, err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 3 {
		return "", errors.Wrapf(errs.ErrParse, "embed path %q has no media segments", u.Path)
	}
	// Path shape: /<type>/<id>/<hash>/<quality>
	segs[1] = tr.MediaID
	segs[2] = tr.MediaHash
	u.Path = "/" + strings.Join(segs, "/")
	return u.String(), nil
}

// postForLinks submits the signed form to the scraped endpoint and
// decodes the quality-keyed link table.
func (r *Resolver) postForLinks(ctx context.Context, embedURL string, meta *models.EmbedMeta) (*models.LinkTable, error) {
	base, err := url.Parse(embedURL)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrParse, "bad embed url %q: %v", embedURL, err)
	}
	endpoint := base.Scheme + "://" + base.Host + meta.Endpoint

	form := url.Values{}
	form.Set("d", meta.Params.D)
	form.Set("d_sign", meta.Params.DSign)
	form.Set("pd", meta.Params.PD)
	form.Set("pd_sign", meta.Params.PDSign)
	form.Set("ref", meta.Params.Ref)
	form.Set("ref_sign", meta.Params.RefSign)
	form.Set("hash", meta.Meta.Hash)
	form.Set("id", meta.Meta.ID)
	form.Set("type", meta.Meta.Type)
	form.Set("bad_user", "true")
	form.Set("cdn_is_working", "true")

	var table models.LinkTable
	err = r.withRetry(ctx, "link resolution", func() error {
		req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if rerr != nil {
			return errors.Wrapf(errs.ErrParse, "building POST: %v", rerr)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", scraper.UserAgent)

		resp, derr := r.client.Do(req)
		if derr != nil {
			return errors.Wrapf(errs.ErrNetwork, "POST %s: %v", endpoint, derr)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return errors.Wrapf(errs.ErrNetwork, "POST %s: status %d", endpoint, resp.StatusCode)
		}
		body, berr := io.ReadAll(resp.Body)
		if berr != nil {
			return errors.Wrapf(errs.ErrNetwork, "reading link table: %v", berr)
		}
		if jerr := json.Unmarshal(body, &table); jerr != nil {
			return errors.Wrapf(errs.ErrParse, "link table is not valid JSON: %v", jerr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(table.Links) == 0 {
		return nil, errors.Wrap(errs.ErrParse, "link table has no quality entries")
	}
	return &table, nil
}

// selectBestLink picks the numerically greatest quality label, decodes
// its source when obfuscated, and normalizes the URL to playable
// directory form.
func selectBestLink(table *models.LinkTable) (*models.VideoURL, error) {
	qualities := make([]int, 0, len(table.Links))
	byQuality := make(map[int]string, len(table.Links))
	for label, sources := range table.Links {
		q, err := strconv.Atoi(label)
		if err != nil || len(sources) == 0 || sources[0].Src == "" {
			continue
		}
		qualities = append(qualities, q)
		byQuality[q] = sources[0].Src
	}
	if len(qualities) == 0 {
		return nil, errors.Wrap(errs.ErrParse, "no integer quality labels in link table")
	}
	sort.Sort(sort.Reverse(sort.IntSlice(qualities)))
	maxQuality := qualities[0]

	src := byQuality[maxQuality]
	if !cipher.IsDecoded(src) {
		decoded, err := cipher.Resolve(src)
		if err != nil {
			// The brute force already exhausted the keyspace; there is
			// nothing to retry with.
			return nil, err
		}
		src = decoded
	}

	return &models.VideoURL{
		URL:        normalizeManifestURL(src),
		MaxQuality: maxQuality,
	}, nil
}

// normalizeManifestURL strips the protocol-relative prefix and trims
// the URL to its directory form so callers can append segment paths.
func normalizeManifestURL(u string) string {
	u = normalizeScheme(u)
	if i := strings.LastIndex(u, "/"); i >= 0 {
		u = u[:i+1]
	}
	return u
}

func normalizeScheme(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

func withEpisode(embedURL string, episode int) string {
	u, err := url.Parse(embedURL)
	if err != nil {
		return embedURL
	}
	q := u.Query()
	q.Set("episode", strconv.Itoa(episode))
	u.RawQuery = q.Encode()
	return u.String()
}

// withRetry runs fn, re-attempting transient network failures with
// progressive backoff. Parse and decryption failures surface on the
// first occurrence.
func (r *Resolver) withRetry(ctx context.Context, what string, fn func() error) error {
	var err error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * r.cfg.Backoff
			util.Debugf("resolver: %s failed, retrying in %s (%d/%d): %v", what, delay, attempt, r.cfg.MaxRetries, err)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return errors.Wrapf(errs.ErrNetwork, "%s: %v", what, ctx.Err())
			}
		}
		err = fn()
		if err == nil || !errs.Retryable(err) {
			return err
		}
	}
	return fmt.Errorf("%s: retries exhausted: %w", what, err)
}
