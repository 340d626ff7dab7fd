// Package scraper recovers playback parameters from the video host's
// scripts and embed pages: the short-lived access token, the signed
// parameter bundle, the media identity fields, and the link-resolution
// endpoint hidden in the player script.
package scraper

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"

	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/util"
)

const (
	// DefaultTokenScriptURL is the loader script the access token is
	// scraped from.
	DefaultTokenScriptURL = "https://kodik-add.com/add-players.min.js?v=2"

	UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:109.0) Gecko/20100101 Firefox/121.0"

	tokenMarker = "token"
	tokenLength = 32
)

// Doer abstracts the HTTP transport so tests and privileged
// environments can substitute their own fetch capability.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Scraper extracts tokens and playback parameters from host documents.
type Scraper struct {
	client         Doer
	tokenScriptURL string
}

// New builds a Scraper over the given transport. A nil client falls
// back to the shared pooled one.
func New(client Doer) *Scraper {
	if client == nil {
		client = util.GetSharedClient()
	}
	return &Scraper{
		client:         client,
		tokenScriptURL: DefaultTokenScriptURL,
	}
}

// WithTokenScriptURL overrides the loader script location. Tests point
// this at an httptest server.
func (s *Scraper) WithTokenScriptURL(u string) *Scraper {
	s.tokenScriptURL = u
	return s
}

// fetch GETs url and returns the body. Transport failures and non-2xx
// statuses are both errs.ErrNetwork so the caller's retry policy treats
// them alike.
func (s *Scraper) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrapf(errs.ErrParse, "building request for %s: %v", url, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(errs.ErrNetwork, "fetching %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Wrapf(errs.ErrNetwork, "fetching %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Wrapf(errs.ErrNetwork, "reading %s: %v", url, err)
	}
	return string(body), nil
}

// FetchToken downloads the loader script and extracts the access token.
func (s *Scraper) FetchToken(ctx context.Context) (string, error) {
	body, err := s.fetch(ctx, s.tokenScriptURL)
	if err != nil {
		return "", err
	}
	token, err := ExtractToken(body)
	if err != nil {
		return "", err
	}
	util.Debugf("scraper: extracted token %s…", token[:8])
	return token, nil
}

// ExtractToken scans script text for the token assignment. It anchors
// on the literal "token" key followed by '=' or ':' and a quoted
// 32-character lowercase hex value; looser matches are skipped.
func ExtractToken(body string) (string, error) {
	for from := 0; ; {
		i := strings.Index(body[from:], tokenMarker)
		if i < 0 {
			return "", errors.Wrap(errs.ErrParse, "token marker not found in script")
		}
		pos := from + i + len(tokenMarker)
		from = from + i + 1

		pos = skipSpaces(body, pos)
		if pos >= len(body) || (body[pos] != '=' && body[pos] != ':') {
			continue
		}
		pos = skipSpaces(body, pos+1)
		if pos >= len(body) || (body[pos] != '"' && body[pos] != '\'') {
			continue
		}
		quote := body[pos]
		pos++
		if pos+tokenLength >= len(body) {
			continue
		}
		candidate := body[pos : pos+tokenLength]
		if !isLowerHex(candidate) || body[pos+tokenLength] != quote {
			continue
		}
		return candidate, nil
	}
}

// ValidateToken checks the generic token shape: longer than 10
// characters, alphanumeric only.
func ValidateToken(token string) error {
	if len(token) <= 10 {
		return errors.Wrapf(errs.ErrTokenInvalid, "token too short (%d chars)", len(token))
	}
	for i := 0; i < len(token); i++ {
		c := token[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return errors.Wrapf(errs.ErrTokenInvalid, "token contains %q", c)
		}
	}
	return nil
}

func skipSpaces(s string, pos int) int {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t') {
		pos++
	}
	return pos
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
