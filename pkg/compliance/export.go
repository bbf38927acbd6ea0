package compliance

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/aquaops/aquaops/pkg/engine"
)

const exportSheet = "Compliance"

var exportHeader = []string{
	"Tenant",
	"Period Start",
	"Period End",
	"PM Scheduled",
	"Completed On Time",
	"Completed Late",
	"Deferred",
	"Skipped",
	"Breakdown WOs",
	"Compliance Ratio",
	"PM/Breakdown Ratio",
	"Computed At",
}

// ExportXLSX writes a tenant's stored metrics to w as an XLSX workbook, one
// row per period, most recent first.
func (a *Aggregator) ExportXLSX(ctx context.Context, w io.Writer, tenantID string, page engine.Page) error {
	metrics, err := a.ListMetrics(ctx, tenantID, page)
	if err != nil {
		return err
	}
	f, err := buildWorkbook(metrics)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	a.tel.Logger.WithTenant(tenantID).Debugf("Exported %d compliance metrics", len(metrics))
	return nil
}

func buildWorkbook(metrics []*engine.ComplianceMetric) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(exportSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := f.SetSheetRow(exportSheet, "A1", &exportHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(exportHeader), 1)
	if err := f.SetCellStyle(exportSheet, "A1", last, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}

	for i, m := range metrics {
		var ratio interface{}
		if m.BreakdownRatio != nil {
			ratio = *m.BreakdownRatio
		}
		row := []interface{}{
			m.TenantID,
			m.PeriodStart.String(),
			m.PeriodEnd.String(),
			m.PMScheduled,
			m.PMCompletedOnTime,
			m.PMCompletedLate,
			m.PMDeferred,
			m.PMSkipped,
			m.BreakdownWO,
			m.CompliancePct,
			ratio,
			m.ComputedAt.UTC().Format("2006-01-02 15:04:05"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(exportSheet, "A", "L", 18); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to set column width: %w", err)
	}
	return f, nil
}
