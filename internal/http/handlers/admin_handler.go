package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/supplier-confirmations/internal/domain"
)

type EscalateRequest struct {
	Status domain.Status `json:"status" example:"NEEDS_BUYER"`
	Reason string        `json:"reason,omitempty"`
}

type MarkErrorRequest struct {
	Cause string `json:"cause" example:"ERP sync rejected the line"`
}

type ResetResponse struct {
	Deleted int64 `json:"deleted"`
}

// RetryCase godoc
// @ID          retryCase
// @Summary     Move an ESCALATED or ERROR case back into processing
// @Tags        Admin
// @Produce     json
// @Param       id  path  string  true  "Case ID"
// @Success     200  {object} domain.Case
// @Failure     404  {object} handlers.ErrorResponse
// @Failure     409  {object} handlers.ErrorResponse
// @Router      /admin/cases/{id}/retry [post]
func (h *Handlers) RetryCase(c *gin.Context) {
	cs, err := h.cases.ForceRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cs)
}

// EscalateCase godoc
// @ID          escalateCase
// @Summary     Hand a case to a human
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       id    path  string                    true  "Case ID"
// @Param       body  body  handlers.EscalateRequest  true  "NEEDS_BUYER or UNRESPONSIVE"
// @Success     200  {object} domain.Case
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     409  {object} handlers.ErrorResponse
// @Router      /admin/cases/{id}/escalate [post]
func (h *Handlers) EscalateCase(c *gin.Context) {
	var req EscalateRequest
	if !bindJSON(c, &req) {
		return
	}
	cs, err := h.cases.Escalate(c.Request.Context(), c.Param("id"), req.Status, strings.TrimSpace(req.Reason))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cs)
}

// MarkError godoc
// @ID          markCaseError
// @Summary     Park a case in ERROR with a cause
// @Tags        Admin
// @Accept      json
// @Produce     json
// @Param       id    path  string                     true  "Case ID"
// @Param       body  body  handlers.MarkErrorRequest  true  "Cause"
// @Success     200  {object} domain.Case
// @Failure     400  {object} handlers.ErrorResponse
// @Router      /admin/cases/{id}/error [post]
func (h *Handlers) MarkError(c *gin.Context) {
	var req MarkErrorRequest
	if !bindJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.Cause) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "cause required")
		return
	}
	cs, err := h.cases.MarkError(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Cause))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cs)
}

// RehashAttachments godoc
// @ID          rehashAttachments
// @Summary     Recompute content hashes and collapse duplicate attachments
// @Tags        Admin
// @Produce     json
// @Success     200  {object} services.RehashResult
// @Router      /admin/attachments/rehash [post]
func (h *Handlers) RehashAttachments(c *gin.Context) {
	res, err := h.evidence.RehashAttachments(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ResetCases godoc
// @ID          resetCases
// @Summary     Delete every case and everything hanging off it
// @Tags        Admin
// @Produce     json
// @Success     200  {object} handlers.ResetResponse
// @Router      /admin/cases [delete]
func (h *Handlers) ResetCases(c *gin.Context) {
	n, err := h.cases.AdminReset(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ResetResponse{Deleted: n})
}
