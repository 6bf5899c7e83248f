package caseapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/blingmoon/case-workflow/workflow"
)

// 错误码, 客户端根据错误码还原成 workflow 的分类错误
const (
	CodeNotFound               = "not_found"
	CodeConcurrentModification = "concurrent_modification"
	CodeValidationFailed       = "validation_failed"
	CodeIllegalTransition      = "illegal_transition"
	CodeAlreadyTerminal        = "already_terminal"
	CodeUnauthorized           = "unauthorized"
	CodeNotImplemented         = "not_implemented"
	CodeInternal               = "internal"
)

type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ListByStateRequest struct {
	State  string `form:"state" binding:"required"`
	Limit  int    `form:"limit" binding:"gte=0"`
	Offset int    `form:"offset" binding:"gte=0"`
}

type ApplyTransitionRequest struct {
	ExpectedVersion int64  `json:"expected_version" binding:"gte=0"`
	ToState         string `json:"to_state" binding:"required"`
	Notes           string `json:"notes"`
	Actor           string `json:"actor" binding:"required"`
}

type Handlers struct {
	repo   workflow.CaseRepository
	logger *zap.Logger
}

func NewHandlers(repo workflow.CaseRepository, logger *zap.Logger) *Handlers {
	return &Handlers{repo: repo, logger: logger}
}

// errorStatus 分类错误 -> http状态码和错误码
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, workflow.ErrConcurrentModification):
		return http.StatusConflict, CodeConcurrentModification
	case errors.Is(err, workflow.ErrAlreadyTerminal):
		return http.StatusUnprocessableEntity, CodeAlreadyTerminal
	case errors.Is(err, workflow.ErrIllegalTransition):
		return http.StatusUnprocessableEntity, CodeIllegalTransition
	case errors.Is(err, workflow.ErrValidationFailed):
		return http.StatusUnprocessableEntity, CodeValidationFailed
	}
	return http.StatusInternalServerError, CodeInternal
}

func (h *Handlers) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, Response{Success: false, Code: code, Error: err.Error()})
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, Response{Success: false, Code: CodeValidationFailed, Error: err.Error()})
}

// ListByState GET /api/v1/cases?state=&limit=&offset=
func (h *Handlers) ListByState(c *gin.Context) {
	var req ListByStateRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	page, err := h.repo.ListByState(c.Request.Context(), &workflow.ListByStateParams{
		State:  req.State,
		Limit:  req.Limit,
		Offset: req.Offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: page})
}

// CreateCase POST /api/v1/cases
func (h *Handlers) CreateCase(c *gin.Context) {
	intake, ok := h.repo.(CaseIntake)
	if !ok {
		c.JSON(http.StatusNotImplemented, Response{Success: false, Code: CodeNotImplemented, Error: "case intake not supported"})
		return
	}
	var req workflow.CreateCaseParams
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	created, err := intake.CreateCase(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, Response{Success: true, Data: created})
}

// GetCase GET /api/v1/cases/:case_number
func (h *Handlers) GetCase(c *gin.Context) {
	record, err := h.repo.GetCase(c.Request.Context(), c.Param("case_number"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: record})
}

// GetTimeline GET /api/v1/cases/:case_number/timeline
func (h *Handlers) GetTimeline(c *gin.Context) {
	records, err := h.repo.GetTimeline(c.Request.Context(), c.Param("case_number"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: records})
}

// ApplyTransition POST /api/v1/cases/:case_number/transitions
func (h *Handlers) ApplyTransition(c *gin.Context) {
	var req ApplyTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	result, err := h.repo.ApplyTransition(c.Request.Context(), &workflow.ApplyTransitionParams{
		CaseNumber:      c.Param("case_number"),
		ExpectedVersion: req.ExpectedVersion,
		ToState:         req.ToState,
		Notes:           req.Notes,
		Actor:           req.Actor,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: result})
}

// Search GET /api/v1/search?q=
func (h *Handlers) Search(c *gin.Context) {
	cases, err := h.repo.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: cases})
}

// GetStatistics GET /api/v1/statistics
func (h *Handlers) GetStatistics(c *gin.Context) {
	counts, err := h.repo.GetStatistics(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: counts})
}
