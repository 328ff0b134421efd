// Package table renders a ranking as a human readable table.
package table

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/JakeFAU/pkgrank-crawler/internal/crawler"
)

// DefaultDescriptionWidth caps the description column.
const DefaultDescriptionWidth = 60

// Sink writes rankings to an io.Writer, typically stdout.
type Sink struct {
	out              io.Writer
	descriptionWidth int
}

// New creates a table Sink. A non-positive width selects
// DefaultDescriptionWidth.
func New(out io.Writer, descriptionWidth int) (*Sink, error) {
	if out == nil {
		return nil, errors.New("output writer is required")
	}
	if descriptionWidth <= 0 {
		descriptionWidth = DefaultDescriptionWidth
	}
	return &Sink{out: out, descriptionWidth: descriptionWidth}, nil
}

// Accept implements crawler.Sink.
func (s *Sink) Accept(_ context.Context, packages []crawler.Package) error {
	t := table.NewWriter()
	t.SetOutputMirror(s.out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Rank", "Name", "Version", "Downloads", "Description"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Rank", Align: text.AlignRight},
		{Name: "Downloads", Align: text.AlignRight},
	})

	var total int64
	for _, pkg := range packages {
		total += pkg.DownloadCount
		t.AppendRow(table.Row{
			pkg.Rank,
			pkg.ID,
			pkg.Version,
			pkg.DownloadCount,
			text.Trim(singleLine(pkg.Description), s.descriptionWidth),
		})
	}
	t.AppendFooter(table.Row{"", "Total", len(packages), total, ""})
	t.Render()
	return nil
}

func singleLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
