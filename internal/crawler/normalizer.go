package crawler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/pkgrank-crawler/internal/numfmt"
)

// DefaultNormalizer trims raw fields and converts download counts using a
// locale aware parser.
type DefaultNormalizer struct {
	counts *numfmt.Parser
}

// NewNormalizer builds a DefaultNormalizer for the given locale.
func NewNormalizer(locale string) (*DefaultNormalizer, error) {
	p, err := numfmt.New(locale)
	if err != nil {
		return nil, fmt.Errorf("count parser: %w", err)
	}
	return &DefaultNormalizer{counts: p}, nil
}

// Normalize converts record into a Package tagged with source. The rank is
// left at zero for the engine to assign.
func (n *DefaultNormalizer) Normalize(record RawRecord, source string) (Package, error) {
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return Package{}, &NormalizationError{Field: "id", Err: errors.New("package id is empty")}
	}

	downloads := record.Downloads
	if text := strings.TrimSpace(record.DownloadsText); text != "" {
		parsed, err := n.counts.ParseCount(text)
		if err != nil {
			return Package{}, &NormalizationError{RecordID: id, Field: "downloads", Value: text, Err: err}
		}
		downloads = parsed
	}
	if downloads < 0 {
		return Package{}, &NormalizationError{
			RecordID: id,
			Field:    "downloads",
			Value:    strconv.FormatInt(downloads, 10),
			Err:      numfmt.ErrNegative,
		}
	}

	return Package{
		ID:            id,
		Version:       strings.TrimSpace(record.Version),
		Description:   strings.TrimSpace(record.Description),
		DownloadCount: downloads,
		Source:        source,
	}, nil
}
