package surveillance

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eidsr/sitrep/internal/platform/archive"
	"github.com/eidsr/sitrep/internal/platform/reporting"
)

// ErrDegradedReport is returned when publishing a report with failed blocks.
var ErrDegradedReport = errors.New("report has degraded sections")

// Publisher renders situation reports and stores them in the archive.
type Publisher struct {
	svc      *Service
	renderer *reporting.Renderer
	store    archive.Store
}

func NewPublisher(svc *Service, renderer *reporting.Renderer, store archive.Store) *Publisher {
	return &Publisher{svc: svc, renderer: renderer, store: store}
}

// Render assembles the report for p and loc and renders its print page.
func (p *Publisher) Render(ctx context.Context, params ReportParams, loc Location) (*SitRep, []byte, error) {
	rep := p.svc.SitRep(ctx, params, loc)
	var buf bytes.Buffer
	if err := p.renderer.Render(&buf, rep.Document()); err != nil {
		return rep, nil, err
	}
	return rep, buf.Bytes(), nil
}

// Publish renders and archives a report. Reports with degraded blocks are
// refused so the archive only holds complete documents.
func (p *Publisher) Publish(ctx context.Context, params ReportParams, loc Location, by string) (*archive.Report, error) {
	if p.store == nil {
		return nil, errors.New("no report archive configured")
	}
	rep, html, err := p.Render(ctx, params, loc)
	if err != nil {
		return nil, err
	}
	if failed := rep.Degraded(); len(failed) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDegradedReport, strings.Join(failed, ", "))
	}
	stored, err := p.store.Put(ctx, archive.Report{
		Location:    loc.Label,
		Period:      rep.Period,
		Year:        params.Year,
		PublishedBy: by,
	}, bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("archive report: %w", err)
	}
	return stored, nil
}
