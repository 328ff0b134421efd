// Package registry resolves the service index of a NuGet v3 feed and reads
// package metadata through the services it advertises.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// DefaultIndexURL is the public nuget.org service index.
const DefaultIndexURL = "https://api.nuget.org/v3/index.json"

// Service types consumed by this module.
const (
	ServiceSearch        = "SearchQueryService"
	ServiceRegistrations = "RegistrationsBaseUrl"
)

var jsonHeaders = http.Header{"Accept": {"application/json"}}

// Resource is one entry of the service index.
type Resource struct {
	ID      string `json:"@id"`
	Type    string `json:"@type"`
	Comment string `json:"comment,omitempty"`
}

// Document is the service index payload.
type Document struct {
	Version   string     `json:"version"`
	Resources []Resource `json:"resources"`
}

// Directory maps logical service types to base URLs. The index is fetched at
// most once successfully; afterwards the directory is read-only.
type Directory struct {
	indexURL string
	fetcher  crawler.Fetcher
	logger   *zap.Logger

	mu       sync.Mutex
	services map[string]string
}

// NewDirectory builds a Directory that reads indexURL through fetcher.
func NewDirectory(fetcher crawler.Fetcher, indexURL string, logger *zap.Logger) (*Directory, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if strings.TrimSpace(indexURL) == "" {
		indexURL = DefaultIndexURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		indexURL: indexURL,
		fetcher:  fetcher,
		logger:   logger.With(zap.String("index_url", indexURL)),
	}, nil
}

// IndexURL returns the service index location.
func (d *Directory) IndexURL() string { return d.indexURL }

// Resolve returns a copy of the service map, fetching the index on first use.
// A failed fetch is not memoized, so a later call retries.
func (d *Directory) Resolve(ctx context.Context) (map[string]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.services != nil {
		return maps.Clone(d.services), nil
	}

	resp, err := d.fetcher.Fetch(ctx, crawler.FetchRequest{URL: d.indexURL, Headers: jsonHeaders})
	if err != nil {
		return nil, &crawler.ConfigurationError{Reason: "fetch service index " + d.indexURL, Err: err}
	}
	services, err := parseDocument(resp.Body)
	if err != nil {
		return nil, &crawler.ConfigurationError{Reason: "parse service index " + d.indexURL, Err: err}
	}
	d.services = services
	d.logger.Debug("service index resolved", zap.Int("services", len(services)))
	return maps.Clone(services), nil
}

// Lookup returns the base URL of serviceType. An exact type wins; otherwise
// the lexicographically first versioned variant ("Type/x.y.z") is used. A
// type the index does not advertise is a *crawler.ConfigurationError.
func (d *Directory) Lookup(ctx context.Context, serviceType string) (string, error) {
	services, err := d.Resolve(ctx)
	if err != nil {
		return "", err
	}
	if url, ok := services[serviceType]; ok {
		return url, nil
	}
	prefix := serviceType + "/"
	var versioned []string
	for key := range services {
		if strings.HasPrefix(key, prefix) {
			versioned = append(versioned, key)
		}
	}
	if len(versioned) == 0 {
		return "", &crawler.ConfigurationError{Service: serviceType, Reason: "not advertised by " + d.indexURL}
	}
	slices.Sort(versioned)
	return services[versioned[0]], nil
}

func parseDocument(body []byte) (map[string]string, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode service index: %w", err)
	}
	if doc.Resources == nil {
		return nil, errors.New("service index has no resources list")
	}
	services := make(map[string]string, len(doc.Resources))
	for _, r := range doc.Resources {
		id := strings.TrimSpace(r.ID)
		typ := strings.TrimSpace(r.Type)
		if id == "" || typ == "" {
			continue
		}
		// First entry per type wins; later ones are mirrors.
		if _, seen := services[typ]; !seen {
			services[typ] = id
		}
	}
	return services, nil
}
