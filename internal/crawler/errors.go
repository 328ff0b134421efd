package crawler

import (
	"errors"
	"fmt"
)

// ErrCrawlInProgress is returned when Run is called on an engine that is
// already crawling.
var ErrCrawlInProgress = errors.New("crawl already in progress")

// TransportError reports an unreachable remote or a non-success HTTP status.
type TransportError struct {
	URL string
	// StatusCode is zero when no response was received.
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport: GET %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: GET %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ConfigurationError reports a registry that is reachable but does not expose
// a required capability, or a directory document that cannot be used.
type ConfigurationError struct {
	Service string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	msg := "configuration: " + e.Reason
	if e.Service != "" {
		msg = fmt.Sprintf("configuration: service %q: %s", e.Service, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ParseError reports a structurally malformed raw record or payload.
type ParseError struct {
	Source   string
	Position string
	// Index is the record's offset within the fetched batch, -1 for the
	// payload as a whole.
	Index int
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parse: %s at %s: %v", e.Source, e.Position, e.Err)
	}
	return fmt.Sprintf("parse: %s at %s record %d field %q: %v", e.Source, e.Position, e.Index, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NormalizationError reports a raw field that cannot be converted into its
// canonical form.
type NormalizationError struct {
	RecordID string
	Field    string
	Value    string
	Err      error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalize: record %q field %q value %q: %v", e.RecordID, e.Field, e.Value, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// ErrorKind classifies err into one of the crawl error categories. It returns
// "" for errors outside the taxonomy.
func ErrorKind(err error) string {
	var (
		transportErr *TransportError
		configErr    *ConfigurationError
		parseErr     *ParseError
		normErr      *NormalizationError
	)
	switch {
	case errors.As(err, &configErr):
		return "configuration"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &parseErr):
		return "parse"
	case errors.As(err, &normErr):
		return "normalization"
	default:
		return ""
	}
}
