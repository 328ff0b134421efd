package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// Session owns one resolved Directory and the fetcher used for every request
// made against the feed. Sequential crawls may share a session.
type Session struct {
	directory *Directory
	fetcher   crawler.Fetcher
	logger    *zap.Logger
}

// NewSession builds a session over the index at indexURL (DefaultIndexURL
// when empty).
func NewSession(fetcher crawler.Fetcher, indexURL string, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("registry")
	dir, err := NewDirectory(fetcher, indexURL, logger)
	if err != nil {
		return nil, err
	}
	return &Session{directory: dir, fetcher: fetcher, logger: logger}, nil
}

// Directory returns the session's service directory.
func (s *Session) Directory() *Directory { return s.directory }

// Fetcher returns the transport shared by the session.
func (s *Session) Fetcher() crawler.Fetcher { return s.fetcher }

// FetchJSON GETs rawURL and decodes the body into v. Decode failures are
// reported as *crawler.ParseError tagged with source.
func (s *Session) FetchJSON(ctx context.Context, source, rawURL string, v any) error {
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{URL: rawURL, Headers: jsonHeaders.Clone()})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return &crawler.ParseError{Source: source, Position: rawURL, Index: -1, Err: err}
	}
	return nil
}

// Registration describes the registration index of one package.
type Registration struct {
	ID    string             `json:"id"`
	URL   string             `json:"url"`
	Count int                `json:"count"`
	Pages []RegistrationPage `json:"pages"`
}

// RegistrationPage is one page of a registration index. Large packages
// leave Versions empty and publish the page separately at URL.
type RegistrationPage struct {
	URL      string    `json:"url"`
	Lower    string    `json:"lower"`
	Upper    string    `json:"upper"`
	Count    int       `json:"count"`
	Versions []Version `json:"versions,omitempty"`
}

// Version is a catalog entry inlined in a registration page.
type Version struct {
	Version        string `json:"version"`
	Description    string `json:"description,omitempty"`
	Listed         bool   `json:"listed"`
	PackageContent string `json:"package_content,omitempty"`
}

type registrationIndex struct {
	Count int                `json:"count"`
	Items []registrationPage `json:"items"`
}

type registrationPage struct {
	ID    string             `json:"@id"`
	Lower string             `json:"lower"`
	Upper string             `json:"upper"`
	Count int                `json:"count"`
	Items []registrationLeaf `json:"items"`
}

type registrationLeaf struct {
	PackageContent string `json:"packageContent"`
	CatalogEntry   struct {
		Version     string `json:"version"`
		Description string `json:"description"`
		Listed      *bool  `json:"listed"`
	} `json:"catalogEntry"`
}

// Registration reads the registration index of packageID via the
// RegistrationsBaseUrl service.
func (s *Session) Registration(ctx context.Context, packageID string) (Registration, error) {
	id := strings.TrimSpace(packageID)
	if id == "" {
		return Registration{}, errors.New("package id is required")
	}
	base, err := s.directory.Lookup(ctx, ServiceRegistrations)
	if err != nil {
		return Registration{}, err
	}
	indexURL, err := registrationURL(base, id)
	if err != nil {
		return Registration{}, &crawler.ConfigurationError{Service: ServiceRegistrations, Reason: "invalid base url", Err: err}
	}

	var index registrationIndex
	if err := s.FetchJSON(ctx, "registration", indexURL, &index); err != nil {
		return Registration{}, fmt.Errorf("registration for %q: %w", id, err)
	}

	reg := Registration{ID: id, URL: indexURL, Count: index.Count, Pages: make([]RegistrationPage, 0, len(index.Items))}
	for _, item := range index.Items {
		page := RegistrationPage{URL: item.ID, Lower: item.Lower, Upper: item.Upper, Count: item.Count}
		for _, leaf := range item.Items {
			listed := leaf.CatalogEntry.Listed == nil || *leaf.CatalogEntry.Listed
			page.Versions = append(page.Versions, Version{
				Version:        leaf.CatalogEntry.Version,
				Description:    leaf.CatalogEntry.Description,
				Listed:         listed,
				PackageContent: leaf.PackageContent,
			})
		}
		reg.Pages = append(reg.Pages, page)
	}
	s.logger.Debug("registration loaded", zap.String("package", id), zap.Int("pages", len(reg.Pages)))
	return reg, nil
}

func registrationURL(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base %q is not absolute", base)
	}
	return strings.TrimSuffix(base, "/") + "/" + url.PathEscape(strings.ToLower(id)) + "/index.json", nil
}
