package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/aquaops/aquaops/pkg/engine"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error *engine.EngineError `json:"error"`
}

// ListResponse wraps a page of results.
type ListResponse struct {
	Items  interface{} `json:"items"`
	Limit  int         `json:"limit"`
	Offset int         `json:"offset"`
}

// StatusOf maps an engine error to an HTTP status.
func StatusOf(err error) int {
	switch {
	case engine.IsValidation(err):
		return http.StatusBadRequest
	case engine.IsNotFound(err):
		return http.StatusNotFound
	case engine.IsIdempotency(err), engine.IsConflict(err):
		return http.StatusConflict
	case engine.IsDegraded(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		ee = engine.NewPermanentError("internal error", err).WithCode(engine.ErrCodeInternal)
	}
	status := StatusOf(err)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: ee})
}

func badRequest(c *gin.Context, message string) {
	fail(c, engine.NewValidationError(engine.ErrCodeValidation, message))
}

func list(c *gin.Context, items interface{}, page engine.Page) {
	c.JSON(http.StatusOK, ListResponse{Items: items, Limit: page.Limit, Offset: page.Offset})
}

// pageOf reads limit and offset from the query string.
func pageOf(c *gin.Context) (engine.Page, bool) {
	var page engine.Page
	for key, dst := range map[string]*int{"limit": &page.Limit, "offset": &page.Offset} {
		raw := c.Query(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(c, key+" must be a non-negative integer")
			return engine.Page{}, false
		}
		*dst = n
	}
	return page.Normalize(), true
}

// dateQuery parses an optional YYYY-MM-DD query parameter.
func dateQuery(c *gin.Context, key string) (engine.Date, bool) {
	raw := c.Query(key)
	if raw == "" {
		return engine.Date{}, true
	}
	d, err := engine.ParseDate(raw)
	if err != nil {
		badRequest(c, key+" must be a date (YYYY-MM-DD)")
		return engine.Date{}, false
	}
	return d, true
}

// bind decodes a JSON body, answering 400 on failure.
func bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return false
	}
	return true
}
