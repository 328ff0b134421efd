// Package file writes a finished ranking to the local filesystem as JSON or
// CSV.
package file

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// Format selects the encoding of a ranking.
type Format string

// Supported formats.
const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// CSVHeader is the column order of CSV output.
var CSVHeader = []string{"name", "version", "description", "downloads", "ranking"}

// ParseFormat validates a format name.
func ParseFormat(name string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(name))); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", name)
	}
}

// FormatFromPath infers the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

// ContentType returns the MIME type of f.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv; charset=utf-8"
	}
	return "application/json"
}

// Encode writes packages to w in the given format.
func Encode(w io.Writer, format Format, packages []crawler.Package) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "    ")
		enc.SetEscapeHTML(false)
		if packages == nil {
			packages = []crawler.Package{}
		}
		if err := enc.Encode(packages); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	case FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(CSVHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		for _, pkg := range packages {
			row := []string{
				pkg.ID,
				pkg.Version,
				pkg.Description,
				strconv.FormatInt(pkg.DownloadCount, 10),
				strconv.Itoa(pkg.Rank),
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write csv row %d: %w", pkg.Rank, err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

// Sink writes each accepted ranking to a single file, replacing the previous
// content atomically.
type Sink struct {
	path   string
	format Format
}

// New creates a Sink for path. The format is taken from the extension.
func New(path string) (*Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("output path is required")
	}
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	return NewWithFormat(path, format)
}

// NewWithFormat creates a Sink with an explicit format.
func NewWithFormat(path string, format Format) (*Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("output path is required")
	}
	if _, err := ParseFormat(string(format)); err != nil {
		return nil, err
	}
	return &Sink{path: filepath.Clean(path), format: format}, nil
}

// Path returns the destination file.
func (s *Sink) Path() string { return s.path }

// Accept implements crawler.Sink.
func (s *Sink) Accept(_ context.Context, packages []crawler.Package) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Encode(tmp, s.format, packages); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}
