// Package models contains the data structures exchanged with the Kodik
// video host and returned to API callers.
package models

import (
	"fmt"
	"strings"
)

// IDType identifies the external catalogue an id belongs to.
type IDType string

const (
	IDTypeShikimori IDType = "shikimori"
	IDTypeKinopoisk IDType = "kinopoisk"
	IDTypeIMDb      IDType = "imdb"
)

// ParamName returns the query parameter the search API expects for ids
// of this type.
func (t IDType) ParamName() string {
	switch t {
	case IDTypeShikimori:
		return "shikimori_id"
	case IDTypeKinopoisk:
		return "kinopoisk_id"
	case IDTypeIMDb:
		return "imdb_id"
	default:
		return string(t) + "_id"
	}
}

// Translation is one voice-over / subtitle track offered for a media item.
type Translation struct {
	ID        int    `json:"id"`
	Title     string `json:"title"`
	MediaHash string `json:"media_hash,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
}

// Episode identifies a single episode within a translation.
type Episode struct {
	Number int    `json:"number"`
	Hash   string `json:"hash,omitempty"`
	Link   string `json:"link,omitempty"`
}

// SearchResult is one entry of the search API response.
type SearchResult struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Link          string      `json:"link"`
	Title         string      `json:"title"`
	TitleOrig     string      `json:"title_orig"`
	OtherTitle    string      `json:"other_title"`
	Year          int         `json:"year"`
	Quality       string      `json:"quality"`
	Translation   Translation `json:"translation"`
	LastSeason    int         `json:"last_season"`
	LastEpisode   int         `json:"last_episode"`
	EpisodesCount int         `json:"episodes_count"`
}

// SearchResponse is the envelope the search API wraps results in.
type SearchResponse struct {
	Time    string         `json:"time"`
	Total   int            `json:"total"`
	Results []SearchResult `json:"results"`
}

// MediaInfo aggregates what GetInfo reports for a media item.
type MediaInfo struct {
	SeriesCount  int           `json:"series_count"`
	Translations []Translation `json:"translations"`
}

// SignedParams is the short-lived signed bundle scraped from the embed
// page. Single-use: it authorizes exactly one link-resolution POST and
// is never cached.
type SignedParams struct {
	D       string `json:"d"`
	DSign   string `json:"d_sign"`
	PD      string `json:"pd"`
	PDSign  string `json:"pd_sign"`
	Ref     string `json:"ref"`
	RefSign string `json:"ref_sign"`
}

// Validate checks that every signature field the resolution endpoint
// requires is present.
func (p SignedParams) Validate() error {
	var missing []string
	for field, v := range map[string]string{
		"d_sign":   p.DSign,
		"pd_sign":  p.PDSign,
		"ref_sign": p.RefSign,
	} {
		if v == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("signed params missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// VideoMeta holds the three scalar fields scraped from the embed page
// inline script that identify the media to the resolution endpoint.
type VideoMeta struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
	ID   string `json:"id"`
}

// Validate reports whether all three identity fields were scraped.
func (m VideoMeta) Validate() error {
	if m.Type == "" || m.Hash == "" || m.ID == "" {
		return fmt.Errorf("video meta incomplete: type=%q hash=%q id=%q", m.Type, m.Hash, m.ID)
	}
	return nil
}

// VideoSource is a single playable source inside a quality bucket.
type VideoSource struct {
	Src  string `json:"src"`
	Type string `json:"type,omitempty"`
}

// LinkTable is the quality-keyed link table returned by the resolution
// endpoint. Keys are quality labels that parse to integers ("360",
// "720", ...).
type LinkTable struct {
	Links map[string][]VideoSource `json:"links"`
}

// VideoURL is the final product of link resolution: a directly playable
// manifest URL plus the greatest quality present in the link table.
type VideoURL struct {
	URL        string `json:"url"`
	MaxQuality int    `json:"max_quality"`
}

// EmbedMeta is everything the scraper recovers from one embed page
// fetch: the signed bundle, the media identity, and the endpoint the
// resolution POST goes to.
type EmbedMeta struct {
	Meta     VideoMeta
	Params   SignedParams
	Endpoint string
}
