package scraper

import (
	"context"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"

	"github.com/kodikgo/kodik/internal/errs"
	"github.com/kodikgo/kodik/internal/models"
)

// SeriesInfo is what one embed page reveals about the media item's
// structure: how many episodes the current translation has and which
// other translations exist.
type SeriesInfo struct {
	SeriesCount  int
	Translations []models.Translation
}

// FetchSeriesInfo downloads an embed page and parses its translation
// and episode selectors.
func (s *Scraper) FetchSeriesInfo(ctx context.Context, pageURL string) (*SeriesInfo, error) {
	body, err := s.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	return ParseSeriesInfo(body)
}

// ParseSeriesInfo extracts translations and the episode count from
// embed page HTML. Serial pages carry a series selector; movie pages
// only list translations, which yields a SeriesCount of zero.
func ParseSeriesInfo(body string) (*SeriesInfo, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(errs.ErrParse, "parsing embed page: %v", err)
	}

	info := &SeriesInfo{}
	doc.Find(".serial-translations-box option, .movie-translations-box option").Each(func(_ int, sel *goquery.Selection) {
		idStr, _ := sel.Attr("data-id")
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return
		}
		hash, _ := sel.Attr("data-media-hash")
		mediaID, _ := sel.Attr("data-media-id")
		info.Translations = append(info.Translations, models.Translation{
			ID:        id,
			Title:     strings.TrimSpace(sel.Text()),
			MediaHash: hash,
			MediaID:   mediaID,
		})
	})

	info.SeriesCount = doc.Find(".serial-series-box option").Length()
	return info, nil
}

// FindTranslation returns the translation with the given id, or
// errs.ErrNotFound when the page does not offer it.
func FindTranslation(info *SeriesInfo, translationID int) (models.Translation, error) {
	for _, tr := range info.Translations {
		if tr.ID == translationID {
			return tr, nil
		}
	}
	return models.Translation{}, errors.Wrapf(errs.ErrNotFound, "translation %d not offered", translationID)
}
