package pdf

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// ReconciliationData is a report already formatted for print.
type ReconciliationData struct {
	ReportID    string
	ReportType  string
	CompletedAt string
	CompletedBy string
	Status      string

	Checks        []CheckRow
	Discrepancies []DiscrepancyRow
	Notes         string
}

type CheckRow struct {
	Name        string
	Passed      bool
	Discrepancy string
	Detail      string
}

type DiscrepancyRow struct {
	Check    string
	Subject  string
	Expected string
	Actual   string
}

type PDFProvider struct{}

func New() Provider {
	return &PDFProvider{}
}

func (p *PDFProvider) RenderReconciliation(ctx context.Context, data ReconciliationData) (io.Reader, error) {
	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Reconciliation report", props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, data.Status, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(22,
		col.New(8).Add(
			text.New("Report: "+data.ReportID, props.Text{Top: 0, Size: 9}),
			text.New("Type: "+data.ReportType, props.Text{Top: 5, Size: 9}),
			text.New("Completed: "+data.CompletedAt, props.Text{Top: 10, Size: 9}),
			text.New("Completed by: "+data.CompletedBy, props.Text{Top: 15, Size: 9}),
		),
		col.New(4),
	)

	m.AddRow(10,
		text.NewCol(4, "Check", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Result", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(2, "Discrepancy", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(4, "Detail", props.Text{Style: fontstyle.Bold, Size: 9, Left: 3}),
	)
	m.AddRow(2, line.NewCol(12))

	for _, check := range data.Checks {
		result := "ok"
		if !check.Passed {
			result = "MISMATCH"
		}
		m.AddRow(8,
			text.NewCol(4, check.Name, props.Text{Size: 9}),
			text.NewCol(2, result, props.Text{Size: 9}),
			text.NewCol(2, check.Discrepancy, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(4, check.Detail, props.Text{Size: 8, Left: 3}),
		)
	}

	if len(data.Discrepancies) > 0 {
		m.AddRow(14,
			text.NewCol(12, fmt.Sprintf("Discrepancies (%d)", len(data.Discrepancies)), props.Text{
				Size:  12,
				Style: fontstyle.Bold,
				Top:   5,
			}),
		)
		m.AddRow(8,
			text.NewCol(3, "Check", props.Text{Style: fontstyle.Bold, Size: 8}),
			text.NewCol(5, "Subject", props.Text{Style: fontstyle.Bold, Size: 8}),
			text.NewCol(2, "Expected", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
			text.NewCol(2, "Actual", props.Text{Style: fontstyle.Bold, Size: 8, Align: align.Right}),
		)
		for _, d := range data.Discrepancies {
			m.AddRow(7,
				text.NewCol(3, d.Check, props.Text{Size: 8}),
				text.NewCol(5, d.Subject, props.Text{Size: 8}),
				text.NewCol(2, d.Expected, props.Text{Size: 8, Align: align.Right}),
				text.NewCol(2, d.Actual, props.Text{Size: 8, Align: align.Right}),
			)
		}
	}

	if data.Notes != "" {
		m.AddRow(20,
			text.NewCol(12, data.Notes, props.Text{Size: 9, Top: 5}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(doc.GetBytes()), nil
}
