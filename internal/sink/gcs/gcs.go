// Package gcs uploads rankings to Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
	"github.com/JakeFAU/pkgrank-crawler/internal/sink/file"
)

// Config captures the upload destination.
type Config struct {
	Bucket string
	// Prefix is prepended to every object name.
	Prefix string
	Format file.Format
}

// Sink writes each ranking to a new object named
// {prefix}/{yyyy}/{mm}/{dd}/{id}.{format}.
type Sink struct {
	client *storage.Client
	bucket string
	prefix string
	format file.Format
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger

	lastURI string
}

// New creates a GCS sink.
func New(client *storage.Client, cfg Config, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) (*Sink, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket name is required")
	}
	if ids == nil || clock == nil {
		return nil, errors.New("id generator and clock are required")
	}
	if cfg.Format == "" {
		cfg.Format = file.FormatJSON
	}
	if _, err := file.ParseFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		format: cfg.Format,
		ids:    ids,
		clock:  clock,
		logger: logger.Named("gcs").With(zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Accept implements crawler.Sink.
func (s *Sink) Accept(ctx context.Context, packages []crawler.Package) error {
	name, err := s.objectName()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := file.Encode(&buf, s.format, packages); err != nil {
		return err
	}
	uri, err := s.putObject(ctx, name, s.format.ContentType(), &buf)
	if err != nil {
		return err
	}
	s.lastURI = uri
	s.logger.Info("ranking uploaded", zap.String("uri", uri), zap.Int("packages", len(packages)))
	return nil
}

// LastURI returns the gs:// URI of the most recent upload.
func (s *Sink) LastURI() string { return s.lastURI }

func (s *Sink) objectName() (string, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate object id: %w", err)
	}
	day := s.clock.Now().UTC().Format("2006/01/02")
	return path.Join(s.prefix, day, id+"."+string(s.format)), nil
}

func (s *Sink) putObject(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = map[string]string{"generator": "pkgrank", "written_at": s.clock.Now().UTC().Format(time.RFC3339)}
	if _, err := io.Copy(writer, r); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, name), nil
}
