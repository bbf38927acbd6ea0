package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/ingest"
	"github.com/aquaops/aquaops/pkg/pm"
	"github.com/aquaops/aquaops/pkg/stores"
)

// GenerationLogView is a generation log row with its deferrals.
type GenerationLogView struct {
	*engine.GenerationLog
	Deferrals []engine.Deferral `json:"deferrals"`
}

// WaiveRequest waives an SLA breach.
type WaiveRequest struct {
	Actor  string `json:"actor" binding:"required"`
	Reason string `json:"reason" binding:"required"`
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// maxReadingsBody caps a readings upload.
const maxReadingsBody = 8 << 20

func (s *Server) listGenerationLogs(c *gin.Context) {
	page, ok := pageOf(c)
	if !ok {
		return
	}
	from, ok := dateQuery(c, "from")
	if !ok {
		return
	}
	to, ok := dateQuery(c, "to")
	if !ok {
		return
	}

	f := stores.GenerationLogFilter{
		TenantID:   c.Query("tenant_id"),
		TemplateID: c.Query("template_id"),
		From:       from,
		To:         to,
	}
	if raw := c.Query("asset_id"); raw != "" {
		f.AssetIDs = strings.Split(raw, ",")
	}
	if raw := c.Query("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := engine.ParseGenerationStatus(strings.TrimSpace(part))
			if err != nil {
				fail(c, err)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	items, err := s.svc.Scheduler.ListGenerationLogs(c.Request.Context(), f, page)
	if err != nil {
		fail(c, err)
		return
	}
	list(c, items, page)
}

func (s *Server) getGenerationLog(c *gin.Context) {
	log, deferrals, err := s.svc.Scheduler.GetGenerationLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, GenerationLogView{GenerationLog: log, Deferrals: deferrals})
}

func (s *Server) deferOccurrence(c *gin.Context) {
	var req pm.DeferRequest
	if !bind(c, &req) {
		return
	}
	req.GenerationLogID = c.Param("id")

	d, err := s.svc.Scheduler.Defer(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) listBreaches(c *gin.Context) {
	page, ok := pageOf(c)
	if !ok {
		return
	}
	f := stores.BreachFilter{
		TenantID:    c.Query("tenant_id"),
		WorkOrderID: c.Query("work_order_id"),
	}
	if raw := c.Query("type"); raw != "" {
		typ, err := engine.ParseBreachType(raw)
		if err != nil {
			fail(c, err)
			return
		}
		f.Type = typ
	}
	if raw := c.Query("waived"); raw != "" {
		waived, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "waived must be true or false")
			return
		}
		f.Waived = &waived
	}

	items, err := s.svc.SLA.ListBreaches(c.Request.Context(), f, page)
	if err != nil {
		fail(c, err)
		return
	}
	list(c, items, page)
}

func (s *Server) waiveBreach(c *gin.Context) {
	var req WaiveRequest
	if !bind(c, &req) {
		return
	}
	b, err := s.svc.SLA.Waive(c.Request.Context(), c.Param("id"), req.Actor, req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// listComplianceMetrics lists a tenant's metrics, or returns a single period
// when period_start and period_end are given.
func (s *Server) listComplianceMetrics(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		badRequest(c, "tenant_id is required")
		return
	}
	start, ok := dateQuery(c, "period_start")
	if !ok {
		return
	}
	end, ok := dateQuery(c, "period_end")
	if !ok {
		return
	}

	if !start.IsZero() || !end.IsZero() {
		if start.IsZero() || end.IsZero() {
			badRequest(c, "period_start and period_end must be given together")
			return
		}
		m, err := s.svc.Compliance.GetMetric(c.Request.Context(), tenantID, start, end)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, m)
		return
	}

	page, ok := pageOf(c)
	if !ok {
		return
	}
	items, err := s.svc.Compliance.ListMetrics(c.Request.Context(), tenantID, page)
	if err != nil {
		fail(c, err)
		return
	}
	list(c, items, page)
}

func (s *Server) exportComplianceMetrics(c *gin.Context) {
	tenantID := c.Query("tenant_id")
	if tenantID == "" {
		badRequest(c, "tenant_id is required")
		return
	}
	page, ok := pageOf(c)
	if !ok {
		return
	}

	var buf bytes.Buffer
	if err := s.svc.Compliance.ExportXLSX(c.Request.Context(), &buf, tenantID, page); err != nil {
		fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="compliance-%s.xlsx"`, tenantID))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// ingestReadings accepts one reading object or an array of them.
func (s *Server) ingestReadings(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxReadingsBody))
	if err != nil {
		badRequest(c, "failed to read body: "+err.Error())
		return
	}
	readings, err := ingest.DecodeReadings(body)
	if err != nil {
		fail(c, err)
		return
	}

	report, err := s.svc.Monitor.IngestBatch(c.Request.Context(), readings)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if len(report.Failures) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, report)
}

func (s *Server) listAlarms(c *gin.Context) {
	page, ok := pageOf(c)
	if !ok {
		return
	}
	f := stores.AlarmFilter{
		TenantID: c.Query("tenant_id"),
		AssetID:  c.Query("asset_id"),
		TagID:    c.Query("tag_id"),
	}
	if raw := c.Query("state"); raw != "" {
		st, err := engine.ParseAlarmState(raw)
		if err != nil {
			fail(c, err)
			return
		}
		f.State = st
	}
	if raw := c.Query("open"); raw != "" {
		open, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "open must be true or false")
			return
		}
		f.OpenOnly = open
	}

	items, err := s.svc.Monitor.ListAlarms(c.Request.Context(), f, page)
	if err != nil {
		fail(c, err)
		return
	}
	list(c, items, page)
}
