// Package api exposes the Kodik client: search, media info, token
// management, and video URL resolution, wired over the layered cache
// and the single-flight request pool.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/kodikgo/kodik/internal/cache"
	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/manifest"
	"github.com/kodikgo/kodik/internal/models"
	"github.com/kodikgo/kodik/internal/resolver"
	"github.com/kodikgo/kodik/internal/scraper"
	"github.com/kodikgo/kodik/internal/util"
)

const (
	// DefaultAPIBase is the search API origin.
	DefaultAPIBase = "https://kodikapi.com"

	tokenCacheKey = "kodik:token"
)

// Config tunes one Client.
type Config struct {
	// APIBase overrides the search API origin.
	APIBase string
	// Token pre-seeds the access token; when empty it is scraped.
	Token     string
	TokenTTL  time.Duration
	SearchTTL time.Duration
	InfoTTL   time.Duration
	VideoTTL  time.Duration

	Resolver resolver.Config
}

func (c Config) withDefaults() Config {
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = time.Hour
	}
	if c.SearchTTL == 0 {
		c.SearchTTL = 5 * time.Minute
	}
	if c.InfoTTL == 0 {
		c.InfoTTL = 30 * time.Minute
	}
	if c.VideoTTL == 0 {
		c.VideoTTL = 10 * time.Minute
	}
	return c
}

// SearchParams narrow a search call.
type SearchParams struct {
	Limit int
	// Strict requires an exact title match on the API side.
	Strict bool
}

// Stats extends the cache snapshot with client-level counters.
type Stats struct {
	cache.Stats
	TokenCached    bool `json:"token_cached"`
	ActiveRequests int  `json:"active_requests"`
}

// Client is the composition root: every dependency is injected, no
// package-level state.
type Client struct {
	http     scraper.Doer
	cache    *cache.Service
	pool     *cache.Pool
	scraper  *scraper.Scraper
	resolver *resolver.Resolver
	cfg      Config
}

// New wires a Client. A nil httpClient falls back to the shared pooled
// one; cacheSvc is required.
func New(httpClient scraper.Doer, cacheSvc *cache.Service, cfg Config) *Client {
	if httpClient == nil {
		httpClient = util.GetSharedClient()
	}
	cfg = cfg.withDefaults()
	sc := scraper.New(httpClient)
	c := &Client{
		http:    httpClient,
		cache:   cacheSvc,
		pool:    cache.NewPool(),
		scraper: sc,
		cfg:     cfg,
	}
	c.resolver = resolver.New(httpClient, sc, c.embedLink, cfg.Resolver)
	return c
}

// WithTokenScriptURL redirects token scraping, for tests.
func (c *Client) WithTokenScriptURL(u string) *Client {
	c.scraper.WithTokenScriptURL(u)
	return c
}

// GetToken returns a valid access token, preferring the cached one. A
// cached value that fails the format check is treated as absent and
// fetched anew, at most one forced refresh per call chain.
func (c *Client) GetToken(ctx context.Context) (string, error) {
	if c.cfg.Token != "" {
		return c.cfg.Token, nil
	}
	if v, err := c.cache.Get(tokenCacheKey); err == nil {
		token := string(v)
		if scraper.ValidateToken(token) == nil {
			return token, nil
		}
		util.Debugf("api: cached token failed validation, refreshing")
		c.cache.Delete(tokenCacheKey)
	}

	v, err, _ := c.pool.Do(tokenCacheKey, func() (interface{}, error) {
		token, ferr := c.scraper.FetchToken(ctx)
		if ferr != nil {
			return nil, ferr
		}
		if verr := scraper.ValidateToken(token); verr != nil {
			return nil, verr
		}
		c.cache.Set(tokenCacheKey, []byte(token), cache.SetOptions{
			TTL:        c.cfg.TokenTTL,
			Priority:   cache.PriorityHigh,
			Persistent: true,
		})
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Search queries the API by title.
func (c *Client) Search(ctx context.Context, title string, params SearchParams) (*models.SearchResponse, error) {
	q := url.Values{}
	if params.Strict {
		q.Set("strict", "true")
	}
	q.Set("title", title)
	return c.search(ctx, "search:title:"+title+":"+q.Encode(), q, params)
}

// SearchByID queries the API by an external catalogue id.
func (c *Client) SearchByID(ctx context.Context, id string, idType models.IDType, params SearchParams) (*models.SearchResponse, error) {
	q := url.Values{}
	q.Set(idType.ParamName(), id)
	key := fmt.Sprintf("search:%s:%s", idType, id)
	return c.search(ctx, key, q, params)
}

func (c *Client) search(ctx context.Context, cacheKey string, q url.Values, params SearchParams) (*models.SearchResponse, error) {
	if raw, err := c.cache.Get(cacheKey); err == nil {
		var cached models.SearchResponse
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			return &cached, nil
		}
		c.cache.Delete(cacheKey)
	}

	v, err, _ := c.pool.Do(cacheKey, func() (interface{}, error) {
		resp, ferr := c.searchRemote(ctx, q, params, false)
		if ferr != nil {
			return nil, ferr
		}
		if raw, jerr := json.Marshal(resp); jerr == nil {
			c.cache.Set(cacheKey, raw, cache.SetOptions{
				TTL:        c.cfg.SearchTTL,
				Persistent: true,
			})
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.SearchResponse), nil
}

// apiEnvelope catches the error field the API uses instead of HTTP
// status codes.
type apiEnvelope struct {
	Error string `json:"error"`
	models.SearchResponse
}

// searchRemote performs the actual API call. A token-related API error
// forces one refresh and a single re-attempt.
func (c *Client) searchRemote(ctx context.Context, q url.Values, params SearchParams, retried bool) (*models.SearchResponse, error) {
	token, err := c.GetToken(ctx)
	if err != nil {
		return nil, err
	}
	query := url.Values{}
	for k, vs := range q {
		query[k] = vs
	}
	query.Set("token", token)
	if params.Limit > 0 {
		query.Set("limit", strconv.Itoa(params.Limit))
	}
	query.Set("with_material_data", "false")

	body, err := c.get(ctx, c.cfg.APIBase+"/search?"+query.Encode())
	if err != nil {
		return nil, err
	}

	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Wrapf(errs.ErrParse, "search response is not valid JSON: %v", err)
	}
	if env.Error != "" {
		if strings.Contains(strings.ToLower(env.Error), "token") && !retried {
			util.Debugf("api: server rejected token (%s), refreshing once", env.Error)
			c.cache.Delete(tokenCacheKey)
			return c.searchRemote(ctx, q, params, true)
		}
		return nil, errors.Wrapf(errs.ErrParse, "search API error: %s", env.Error)
	}
	return &env.SearchResponse, nil
}

// GetInfo reports the episode count and available translations for a
// media item.
func (c *Client) GetInfo(ctx context.Context, id string, idType models.IDType) (*models.MediaInfo, error) {
	key := fmt.Sprintf("info:%s:%s", idType, id)
	if raw, err := c.cache.Get(key); err == nil {
		var cached models.MediaInfo
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			return &cached, nil
		}
		c.cache.Delete(key)
	}

	v, err, _ := c.pool.Do(key, func() (interface{}, error) {
		link, ferr := c.embedLink(ctx, id, idType)
		if ferr != nil {
			return nil, ferr
		}
		si, ferr := c.scraper.FetchSeriesInfo(ctx, normalizeScheme(link))
		if ferr != nil {
			return nil, ferr
		}
		info := &models.MediaInfo{
			SeriesCount:  si.SeriesCount,
			Translations: si.Translations,
		}
		if raw, jerr := json.Marshal(info); jerr == nil {
			c.cache.Set(key, raw, cache.SetOptions{TTL: c.cfg.InfoTTL, Persistent: true})
		}
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.MediaInfo), nil
}

// GetVideoURL resolves the playable manifest URL. Concurrent calls for
// the same (id, episode, translation) share one resolution flow.
func (c *Client) GetVideoURL(ctx context.Context, id string, idType models.IDType, episode, translationID int) (*models.VideoURL, error) {
	key := fmt.Sprintf("video:%s:%s:%d:%d", idType, id, episode, translationID)
	if raw, err := c.cache.Get(key); err == nil {
		var cached models.VideoURL
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			return &cached, nil
		}
		c.cache.Delete(key)
	}

	v, err, _ := c.pool.Do(key, func() (interface{}, error) {
		vu, ferr := c.resolver.GetVideoURL(ctx, id, idType, episode, translationID)
		if ferr != nil {
			return nil, ferr
		}
		if raw, jerr := json.Marshal(vu); jerr == nil {
			// Signed links rot quickly; keep them out of durable tiers.
			c.cache.Set(key, raw, cache.SetOptions{TTL: c.cfg.VideoTTL})
		}
		return vu, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.VideoURL), nil
}

// ProbeManifest fetches a resolved manifest URL and enumerates its
// variant streams.
func (c *Client) ProbeManifest(ctx context.Context, manifestURL string) ([]manifest.Variant, error) {
	return manifest.Probe(ctx, c.http, manifestURL)
}

// ResolveEmbedLink resolves a playable URL straight from a search
// result's embed link, bypassing the id lookup.
func (c *Client) ResolveEmbedLink(ctx context.Context, link string, episode, translationID int) (*models.VideoURL, error) {
	return c.resolver.ResolveEmbed(ctx, normalizeScheme(link), episode, translationID)
}

// ClearCache empties every cache tier.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// CacheStats snapshots cache health plus client-level counters.
func (c *Client) CacheStats() Stats {
	tokenCached := false
	if v, err := c.cache.Get(tokenCacheKey); err == nil {
		tokenCached = scraper.ValidateToken(string(v)) == nil
	}
	return Stats{
		Stats:          c.cache.Stats(),
		TokenCached:    tokenCached,
		ActiveRequests: c.pool.Active(),
	}
}

// embedLink resolves the embed page URL for a media id through the
// search API.
func (c *Client) embedLink(ctx context.Context, mediaID string, idType models.IDType) (string, error) {
	resp, err := c.SearchByID(ctx, mediaID, idType, SearchParams{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(resp.Results) == 0 {
		return "", errors.Wrapf(errs.ErrNotFound, "no media for %s id %s", idType, mediaID)
	}
	link := resp.Results[0].Link
	if link == "" {
		return "", errors.Wrapf(errs.ErrParse, "search result for %s id %s has no embed link", idType, mediaID)
	}
	return normalizeScheme(link), nil
}

func normalizeScheme(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

// get fetches url, classifying failures as network errors.
func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrParse, "building request: %v", err)
	}
	req.Header.Set("User-Agent", scraper.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNetwork, "GET %s: %v", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrapf(errs.ErrNetwork, "GET %s: status %d", u, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(errs.ErrNetwork, "reading response: %v", err)
	}
	return body, nil
}
