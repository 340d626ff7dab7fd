package scraper

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/models"
)

// Literal markers the embed page and player script are scanned for.
// Any missing marker is a hard ParseError for that call; retrying
// without a fresh document cannot help.
const (
	urlParamsMarker = "urlParams = '"
	urlParamsEnd    = "'"

	videoTypeMarker = "videoInfo.type = '"
	videoHashMarker = "videoInfo.hash = '"
	videoIDMarker   = "videoInfo.id = '"
	scalarEnd       = "'"

	atobMarker = "atob("
)

// urlParamsPayload mirrors the JSON blob assigned to urlParams on the
// embed page.
type urlParamsPayload struct {
	D       string `json:"d"`
	DSign   string `json:"d_sign"`
	PD      string `json:"pd"`
	PDSign  string `json:"pd_sign"`
	Ref     string `json:"ref"`
	RefSign string `json:"ref_sign"`
}

// FetchEmbedMeta downloads the embed page, extracts the signed bundle
// and media identity, then follows the page's player script to locate
// the link-resolution endpoint.
func (s *Scraper) FetchEmbedMeta(ctx context.Context, pageURL string) (*models.EmbedMeta, error) {
	body, err := s.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	meta, params, err := ParseEmbedPage(body)
	if err != nil {
		return nil, err
	}

	scriptURL, err := findPlayerScriptURL(body, pageURL)
	if err != nil {
		return nil, err
	}
	script, err := s.fetch(ctx, scriptURL)
	if err != nil {
		return nil, err
	}
	endpoint, err := ExtractEndpoint(script)
	if err != nil {
		return nil, err
	}

	return &models.EmbedMeta{Meta: meta, Params: params, Endpoint: endpoint}, nil
}

// ParseEmbedPage extracts the media identity scalars and the signed
// parameter bundle from embed page HTML.
func ParseEmbedPage(body string) (models.VideoMeta, models.SignedParams, error) {
	var meta models.VideoMeta
	var params models.SignedParams

	raw, ok := extractBetween(body, urlParamsMarker, urlParamsEnd)
	if !ok {
		return meta, params, errors.Wrap(errs.ErrParse, "urlParams marker not found on embed page")
	}
	var payload urlParamsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return meta, params, errors.Wrapf(errs.ErrParse, "urlParams is not valid JSON: %v", err)
	}
	params = models.SignedParams{
		D:       payload.D,
		DSign:   payload.DSign,
		PD:      payload.PD,
		PDSign:  payload.PDSign,
		Ref:     payload.Ref,
		RefSign: payload.RefSign,
	}
	if err := params.Validate(); err != nil {
		return meta, params, errors.Wrapf(errs.ErrParse, "%v", err)
	}

	for _, field := range []struct {
		marker string
		dst    *string
		name   string
	}{
		{videoTypeMarker, &meta.Type, "videoInfo.type"},
		{videoHashMarker, &meta.Hash, "videoInfo.hash"},
		{videoIDMarker, &meta.ID, "videoInfo.id"},
	} {
		v, ok := extractBetween(body, field.marker, scalarEnd)
		if !ok {
			return meta, params, errors.Wrapf(errs.ErrParse, "%s marker not found on embed page", field.name)
		}
		*field.dst = v
	}
	if err := meta.Validate(); err != nil {
		return meta, params, errors.Wrapf(errs.ErrParse, "%v", err)
	}

	return meta, params, nil
}

// ExtractEndpoint scans player script text for an atob() call whose
// base64 argument decodes to a relative path. That path is the
// link-resolution POST endpoint.
func ExtractEndpoint(script string) (string, error) {
	for from := 0; ; {
		i := strings.Index(script[from:], atobMarker)
		if i < 0 {
			return "", errors.Wrap(errs.ErrParse, "endpoint atob marker not found in player script")
		}
		pos := from + i + len(atobMarker)
		from = from + i + 1

		if pos >= len(script) || (script[pos] != '"' && script[pos] != '\'') {
			continue
		}
		quote := script[pos : pos+1]
		end := strings.Index(script[pos+1:], quote)
		if end < 0 {
			continue
		}
		encoded := script[pos+1 : pos+1+end]
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			continue
		}
		if len(decoded) > 1 && decoded[0] == '/' {
			return string(decoded), nil
		}
	}
}

// findPlayerScriptURL locates the app player script referenced by the
// embed page and resolves it against the page URL.
func findPlayerScriptURL(body, pageURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", errors.Wrapf(errs.ErrParse, "parsing embed page: %v", err)
	}

	var src string
	doc.Find("script[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		s, _ := sel.Attr("src")
		if strings.Contains(s, "app") {
			src = s
			return false
		}
		return true
	})
	if src == "" {
		return "", errors.Wrap(errs.ErrParse, "player script tag not found on embed page")
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return "", errors.Wrapf(errs.ErrParse, "bad page url %q: %v", pageURL, err)
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", errors.Wrapf(errs.ErrParse, "bad script src %q: %v", src, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// extractBetween returns the text between the first occurrence of
// start and the following end marker.
func extractBetween(s, start, end string) (string, bool) {
	i := strings.Index(s, start)
	if i < 0 {
		return "", false
	}
	rest := s[i+len(start):]
	j := strings.Index(rest, end)
	if j < 0 {
		return "", false
	}
	return rest[:j], true
}
