package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aquaops/aquaops/pkg/engine"
	"github.com/aquaops/aquaops/pkg/lifecycle"
	"github.com/aquaops/aquaops/pkg/stores"
)

// WorkOrderView is a work order with its checklist.
type WorkOrderView struct {
	*engine.WorkOrder
	Checklist []engine.ChecklistItem `json:"checklist"`
}

// ChecklistResultRequest records the outcome of one checklist step.
type ChecklistResultRequest struct {
	Result engine.ChecklistResult `json:"result" binding:"required"`
	Actor  string                 `json:"actor" binding:"required"`
}

// QASignOffRequest signs off a work order in QA.
type QASignOffRequest struct {
	Actor           string `json:"actor" binding:"required"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

func (s *Server) createWorkOrder(c *gin.Context) {
	var spec lifecycle.CreateSpec
	if !bind(c, &spec) {
		return
	}
	wo, err := s.svc.Lifecycle.CreateWorkOrder(c.Request.Context(), spec)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, wo)
}

func (s *Server) listWorkOrders(c *gin.Context) {
	page, ok := pageOf(c)
	if !ok {
		return
	}
	f := stores.WorkOrderFilter{
		TenantID: c.Query("tenant_id"),
		AssetID:  c.Query("asset_id"),
	}
	if raw := c.Query("status"); raw != "" {
		status, err := engine.ParseWorkOrderStatus(raw)
		if err != nil {
			fail(c, err)
			return
		}
		f.Status = status
	}
	if raw := c.Query("kind"); raw != "" {
		kind, err := engine.ParseWorkOrderKind(raw)
		if err != nil {
			fail(c, err)
			return
		}
		f.Kind = kind
	}

	items, err := s.svc.Lifecycle.ListWorkOrders(c.Request.Context(), f, page)
	if err != nil {
		fail(c, err)
		return
	}
	list(c, items, page)
}

func (s *Server) getWorkOrder(c *gin.Context) {
	ctx := c.Request.Context()
	wo, err := s.svc.Lifecycle.GetWorkOrder(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	checklist, err := s.svc.Lifecycle.ListChecklist(ctx, wo.ID)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, WorkOrderView{WorkOrder: wo, Checklist: checklist})
}

func (s *Server) transitionWorkOrder(c *gin.Context) {
	var req lifecycle.TransitionRequest
	if !bind(c, &req) {
		return
	}
	req.ID = c.Param("id")

	wo, err := s.svc.Lifecycle.TransitionWorkOrder(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

func (s *Server) listTransitions(c *gin.Context) {
	items, err := s.svc.Lifecycle.ListTransitions(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) listChecklist(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.svc.Lifecycle.GetWorkOrder(ctx, c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	items, err := s.svc.Lifecycle.ListChecklist(ctx, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) recordChecklistResult(c *gin.Context) {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 1 {
		badRequest(c, "seq must be a positive integer")
		return
	}
	var req ChecklistResultRequest
	if !bind(c, &req) {
		return
	}

	item, err := s.svc.Lifecycle.RecordChecklistResult(c.Request.Context(), c.Param("id"), seq, req.Result, req.Actor)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

func (s *Server) signOffQA(c *gin.Context) {
	var req QASignOffRequest
	if !bind(c, &req) {
		return
	}
	wo, err := s.svc.Lifecycle.SignOffQA(c.Request.Context(), c.Param("id"), req.Actor, req.ExpectedVersion)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}
