// Package scrape implements a paginated record source over the HTML search
// results of a package gallery.
package scrape

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// Tag identifies records produced by this source.
const Tag = "scrape"

// Defaults for nuget.org.
const (
	DefaultBaseURL         = "https://www.nuget.org"
	DefaultPath            = "/packages"
	DefaultSortBy          = "totalDownloads-desc"
	DefaultDownloadsSuffix = "total downloads"
	DefaultPageSize        = 20
)

// MaxPageSize is the number of results the gallery renders per page. The
// page size is not sent with the request, so a larger value would make every
// page look short.
const MaxPageSize = DefaultPageSize

// Selectors locate the fields of one result item. All selectors except Item
// are evaluated relative to an item.
type Selectors struct {
	Item  string `mapstructure:"item"`
	Title string `mapstructure:"title"`
	// VersionAttr is an attribute of the Title element. Empty disables
	// version extraction.
	VersionAttr string `mapstructure:"version_attr"`
	Description string `mapstructure:"description"`
	// Downloads selects a marker inside the element holding the count; the
	// count is read from the marker's parent.
	Downloads string `mapstructure:"downloads"`
	// NextPage, when set, is looked up in the whole document; its absence
	// marks the last page.
	NextPage string `mapstructure:"next_page"`
}

// DefaultSelectors matches the nuget.org search results markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Item:        ".package",
		Title:       ".package-title a",
		VersionAttr: "data-package-version",
		Description: ".package-details",
		Downloads:   ".package-list .ms-Icon--Download",
	}
}

// Config controls request construction and parsing.
type Config struct {
	BaseURL           string
	Path              string
	SortBy            string
	IncludePrerelease bool
	// DownloadsSuffix is stripped from the downloads text.
	DownloadsSuffix string
	Selectors       Selectors
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.SortBy == "" {
		c.SortBy = DefaultSortBy
	}
	if c.DownloadsSuffix == "" {
		c.DownloadsSuffix = DefaultDownloadsSuffix
	}
	defaults := DefaultSelectors()
	if c.Selectors.Item == "" {
		c.Selectors.Item = defaults.Item
	}
	if c.Selectors.Title == "" {
		c.Selectors.Title = defaults.Title
	}
	if c.Selectors.Description == "" {
		c.Selectors.Description = defaults.Description
	}
	if c.Selectors.Downloads == "" {
		c.Selectors.Downloads = defaults.Downloads
	}
}

// Source is a crawler.RecordSource addressed by 1-based page numbers.
type Source struct {
	cfg      Config
	endpoint *url.URL
	fetcher  crawler.Fetcher
	logger   *zap.Logger
}

// New builds a Source. Zero config fields take the nuget.org defaults;
// VersionAttr is only defaulted when the whole selector set is empty.
func New(fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) (*Source, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	cfg.applyDefaults()
	endpoint, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/" + strings.TrimPrefix(cfg.Path, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse scrape endpoint: %w", err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("scrape base url %q must be absolute", cfg.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		cfg:      cfg,
		endpoint: endpoint,
		fetcher:  fetcher,
		logger:   logger.Named("scrape"),
	}, nil
}

// Tag implements crawler.RecordSource.
func (s *Source) Tag() string { return Tag }

// Start returns the first page. pageSize is the number of items the gallery
// serves per page; a shorter page ends the crawl.
func (s *Source) Start(pageSize int) crawler.PageCursor {
	return crawler.PageCursor{Page: 1, Size: pageSize}
}

// Fetch downloads and parses one results page.
func (s *Source) Fetch(ctx context.Context, query string, at crawler.PageCursor) (crawler.Batch, error) {
	pageURL := s.pageURL(query, at.Page)
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:     pageURL,
		Headers: http.Header{"Accept": {"text/html"}},
	})
	if err != nil {
		return crawler.Batch{}, fmt.Errorf("fetch results page: %w", err)
	}
	batch, err := s.parse(resp.Body, at)
	if err != nil {
		return crawler.Batch{}, err
	}
	s.logger.Debug("results page parsed",
		zap.String("url", pageURL),
		zap.Int("items", len(batch.Records)),
		zap.Bool("has_more", batch.HasMore),
		zap.Bool("headless", resp.UsedHeadless),
	)
	return batch, nil
}

func (s *Source) pageURL(query string, page int) string {
	u := *s.endpoint
	q := u.Query()
	q.Set("q", query)
	q.Set("includeComputedFrameworks", "false")
	q.Set("prerel", strconv.FormatBool(s.cfg.IncludePrerelease))
	q.Set("sortby", s.cfg.SortBy)
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Source) parse(body []byte, at crawler.PageCursor) (crawler.Batch, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Batch{}, &crawler.ParseError{Source: Tag, Position: at.String(), Index: -1, Err: err}
	}

	sel := s.cfg.Selectors
	items := doc.Find(sel.Item)
	records := make([]crawler.RawRecord, 0, items.Length())
	var parseErr error
	items.EachWithBreak(func(i int, item *goquery.Selection) bool {
		record, err := s.parseItem(item)
		if err != nil {
			err.Source, err.Position, err.Index = Tag, at.String(), i
			parseErr = err
			return false
		}
		records = append(records, record)
		return true
	})
	if parseErr != nil {
		return crawler.Batch{}, parseErr
	}

	hasMore := len(records) > 0 && (at.Size <= 0 || len(records) >= at.Size)
	if sel.NextPage != "" {
		linked := doc.Find(sel.NextPage).Length() > 0
		if !hasMore && linked && len(records) > 0 {
			s.logger.Warn("short results page links to a next page; page size may exceed what the gallery serves",
				zap.String("position", at.String()),
				zap.Int("items", len(records)),
				zap.Int("page_size", at.Size),
			)
		}
		hasMore = hasMore && linked
	}
	return crawler.Batch{Records: records, HasMore: hasMore}, nil
}

func (s *Source) parseItem(item *goquery.Selection) (crawler.RawRecord, *crawler.ParseError) {
	sel := s.cfg.Selectors
	title := item.Find(sel.Title).First()
	if title.Length() == 0 {
		return crawler.RawRecord{}, &crawler.ParseError{Field: "id", Err: fmt.Errorf("no element matches %q", sel.Title)}
	}
	id := strings.TrimSpace(title.Text())
	if id == "" {
		return crawler.RawRecord{}, &crawler.ParseError{Field: "id", Err: errors.New("title is empty")}
	}

	var version string
	if sel.VersionAttr != "" {
		v, ok := title.Attr(sel.VersionAttr)
		if !ok {
			return crawler.RawRecord{}, &crawler.ParseError{Field: "version", Err: fmt.Errorf("attribute %q missing", sel.VersionAttr)}
		}
		version = strings.TrimSpace(v)
	}

	marker := item.Find(sel.Downloads).First()
	if marker.Length() == 0 {
		return crawler.RawRecord{}, &crawler.ParseError{Field: "downloads", Err: fmt.Errorf("no element matches %q", sel.Downloads)}
	}
	downloads := strings.TrimSpace(marker.Parent().Text())
	downloads = strings.TrimSpace(strings.TrimSuffix(downloads, s.cfg.DownloadsSuffix))
	if downloads == "" {
		return crawler.RawRecord{}, &crawler.ParseError{Field: "downloads", Err: errors.New("download count is empty")}
	}

	return crawler.RawRecord{
		ID:            id,
		Version:       version,
		Description:   strings.TrimSpace(item.Find(sel.Description).First().Text()),
		DownloadsText: downloads,
	}, nil
}
