package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/services"
)

type ParseRequest struct {
	// ExpectedQty overrides the stored ordered quantity for mismatch checks.
	ExpectedQty *float64 `json:"expected_qty,omitempty" example:"100"`
}

// ParseCase godoc
// @ID          parseCase
// @Summary     Parse stored evidence into the case snapshot
// @Description A parser failure is reported as ok=false with status 200;
// @Description the case keeps its prior state.
// @Tags        Confirmation
// @Accept      json
// @Produce     json
// @Param       id    path  string                 true   "Case ID"
// @Param       body  body  handlers.ParseRequest  false  "Expected quantity"
// @Success     200  {object} parser.Result
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id}/parse [post]
func (h *Handlers) ParseCase(c *gin.Context) {
	var req ParseRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.parse.Parse(c.Request.Context(), c.Param("id"), req.ExpectedQty)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ApplyUpdates godoc
// @ID          applyUpdates
// @Summary     Merge confirmed values into the case
// @Description Exactly one of applied, skipped and deduped is true. A failed
// @Description confirmation record write is reported in persist_error.
// @Tags        Confirmation
// @Accept      json
// @Produce     json
// @Param       id    path  string               true  "Case ID"
// @Param       body  body  services.ApplyInput  true  "Source and fields"
// @Success     200  {object} services.ApplyResult
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id}/apply [post]
func (h *Handlers) ApplyUpdates(c *gin.Context) {
	var in services.ApplyInput
	if !bindJSON(c, &in) {
		return
	}
	res, err := h.apply.Apply(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// EditFields godoc
// @ID          editFields
// @Summary     Set values by hand
// @Description Every provided field is pinned by a manual override.
// @Tags        Confirmation
// @Accept      json
// @Produce     json
// @Param       id    path  string           true  "Case ID"
// @Param       body  body  domain.FieldSet  true  "Fields"
// @Success     200  {object} services.ApplyResult
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id}/fields [patch]
func (h *Handlers) EditFields(c *gin.Context) {
	var fields domain.FieldSet
	if !bindJSON(c, &fields) {
		return
	}
	res, err := h.apply.ManualEdit(c.Request.Context(), c.Param("id"), fields)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ClearOverride godoc
// @ID          clearOverride
// @Summary     Release the manual pin on one field
// @Tags        Confirmation
// @Produce     json
// @Param       id     path  string  true  "Case ID"
// @Param       field  path  string  true  "supplier_order_number | confirmed_ship_or_delivery_date | confirmed_quantity"
// @Success     200  {object} domain.Case
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id}/overrides/{field} [delete]
func (h *Handlers) ClearOverride(c *gin.Context) {
	cs, err := h.apply.ClearOverride(c.Request.Context(), c.Param("id"), domain.CanonicalField(c.Param("field")))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, cs)
}
