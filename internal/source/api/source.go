// Package api implements a record source over the NuGet search service,
// addressed by skip/take windows.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
	"github.com/JakeFAU/pkgrank-crawler/internal/registry"
)

// Tag identifies records produced by this source.
const Tag = "api"

// Defaults for nuget.org.
const (
	DefaultSemVerLevel = "2.0.0"
	DefaultPageSize    = 100
	// MaxTake is the largest window the search service accepts.
	MaxTake = 1000
)

// Config controls search requests.
type Config struct {
	// SearchService bypasses the directory lookup when set.
	SearchService     string
	IncludePrerelease bool
	SemVerLevel       string
	// SortBy is sent only when non-empty; the service defaults to relevance.
	SortBy string
}

// Source is a crawler.RecordSource over the search service.
type Source struct {
	cfg     Config
	session *registry.Session
	logger  *zap.Logger

	mu       sync.Mutex
	endpoint string
}

// New builds a Source bound to session.
func New(session *registry.Session, cfg Config, logger *zap.Logger) (*Source, error) {
	if session == nil {
		return nil, errors.New("registry session is required")
	}
	if cfg.SemVerLevel == "" {
		cfg.SemVerLevel = DefaultSemVerLevel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Source{
		cfg:      cfg,
		session:  session,
		logger:   logger.Named("api"),
		endpoint: strings.TrimSpace(cfg.SearchService),
	}, nil
}

// Tag implements crawler.RecordSource.
func (s *Source) Tag() string { return Tag }

// Start returns the first window, clamped to MaxTake.
func (s *Source) Start(pageSize int) crawler.WindowCursor {
	return crawler.WindowCursor{Skip: 0, Take: min(pageSize, MaxTake)}
}

// Prepare resolves the search endpoint through the service directory. A feed
// that does not advertise search fails here, before any search request.
func (s *Source) Prepare(ctx context.Context) error {
	_, err := s.searchEndpoint(ctx)
	return err
}

func (s *Source) searchEndpoint(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endpoint != "" {
		return s.endpoint, nil
	}
	endpoint, err := s.session.Directory().Lookup(ctx, registry.ServiceSearch)
	if err != nil {
		return "", err
	}
	s.endpoint = endpoint
	s.logger.Debug("search service resolved", zap.String("endpoint", endpoint))
	return endpoint, nil
}

type searchResponse struct {
	TotalHits *int64         `json:"totalHits"`
	Data      []searchResult `json:"data"`
}

type searchResult struct {
	ID             *string `json:"id"`
	Version        string  `json:"version"`
	Description    string  `json:"description"`
	TotalDownloads *int64  `json:"totalDownloads"`
}

// Fetch requests one window. The window is the last one when it holds fewer
// than take records, whatever totalHits claims.
func (s *Source) Fetch(ctx context.Context, query string, at crawler.WindowCursor) (crawler.Batch, error) {
	endpoint, err := s.searchEndpoint(ctx)
	if err != nil {
		return crawler.Batch{}, err
	}
	searchURL, err := s.searchURL(endpoint, query, at)
	if err != nil {
		return crawler.Batch{}, &crawler.ConfigurationError{Service: registry.ServiceSearch, Reason: "invalid endpoint", Err: err}
	}

	var resp searchResponse
	if err := s.session.FetchJSON(ctx, Tag, searchURL, &resp); err != nil {
		var parseErr *crawler.ParseError
		if errors.As(err, &parseErr) {
			parseErr.Position = at.String()
		}
		return crawler.Batch{}, fmt.Errorf("search window: %w", err)
	}
	if resp.Data == nil && resp.TotalHits == nil {
		return crawler.Batch{}, &crawler.ParseError{Source: Tag, Position: at.String(), Index: -1, Err: errors.New("response has neither data nor totalHits")}
	}

	records := make([]crawler.RawRecord, 0, len(resp.Data))
	for i, item := range resp.Data {
		if item.ID == nil || strings.TrimSpace(*item.ID) == "" {
			return crawler.Batch{}, &crawler.ParseError{Source: Tag, Position: at.String(), Index: i, Field: "id", Err: errors.New("missing")}
		}
		if item.TotalDownloads == nil {
			return crawler.Batch{}, &crawler.ParseError{Source: Tag, Position: at.String(), Index: i, Field: "totalDownloads", Err: errors.New("missing")}
		}
		records = append(records, crawler.RawRecord{
			ID:          *item.ID,
			Version:     item.Version,
			Description: item.Description,
			Downloads:   *item.TotalDownloads,
		})
	}

	batch := crawler.Batch{Records: records, HasMore: len(records) > 0 && len(records) >= at.Take}
	fields := []zap.Field{
		zap.Stringer("window", at),
		zap.Int("items", len(records)),
		zap.Bool("has_more", batch.HasMore),
	}
	if resp.TotalHits != nil {
		fields = append(fields, zap.Int64("total_hits", *resp.TotalHits))
	}
	s.logger.Debug("search window fetched", fields...)
	return batch, nil
}

func (s *Source) searchURL(endpoint, query string, at crawler.WindowCursor) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("search endpoint %q is not absolute", endpoint)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("skip", strconv.Itoa(at.Skip))
	q.Set("take", strconv.Itoa(at.Take))
	q.Set("prerelease", strconv.FormatBool(s.cfg.IncludePrerelease))
	q.Set("semVerLevel", s.cfg.SemVerLevel)
	if s.cfg.SortBy != "" {
		q.Set("sortBy", s.cfg.SortBy)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
