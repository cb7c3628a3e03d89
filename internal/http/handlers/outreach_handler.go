package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/http/middleware"
	"github.com/tbourn/supplier-confirmations/internal/services"
)

// HeaderIdempotencyReplayed marks a response served from a stored send.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

type DraftRequest struct {
	MissingFields []domain.FieldKey `json:"missing_fields,omitempty"`
}

// DraftEmail godoc
// @ID          draftEmail
// @Summary     Render the confirmation request without sending it
// @Tags        Outreach
// @Accept      json
// @Produce     json
// @Param       id    path  string                 true   "Case ID"
// @Param       body  body  handlers.DraftRequest  false  "Fields to ask for"
// @Success     200  {object} services.Draft
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id}/draft [post]
func (h *Handlers) DraftEmail(c *gin.Context) {
	var req DraftRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	d, err := h.outreach.DraftEmail(c.Request.Context(), c.Param("id"), req.MissingFields)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, d)
}

// SendEmail godoc
// @ID          sendConfirmationEmail
// @Summary     Request the missing confirmation fields from the supplier
// @Description With run_inbox_search the mailbox is searched first: a thread
// @Description that already answers everything yields NO_OP, a partial one a
// @Description reply in that thread, anything else a new e-mail. Repeating a
// @Description request with the same Idempotency-Key returns the stored result
// @Description with Idempotency-Replayed: true.
// @Tags        Outreach
// @Accept      json
// @Produce     json
// @Param       id               path    string              true   "Case ID"
// @Param       Idempotency-Key  header  string              false  "Retry-safe key"
// @Param       body             body    services.SendInput  false  "Outreach options"
// @Success     200  {object} services.SendResult
// @Header      200  {string} Idempotency-Replayed "true when served from a stored send"
// @Failure     404  {object} handlers.ErrorResponse
// @Failure     409  {object} handlers.ErrorResponse "Invalid transition or send in flight"
// @Failure     422  {object} handlers.ErrorResponse "No supplier e-mail (needs buyer)"
// @Failure     429  {object} handlers.ErrorResponse
// @Failure     502  {object} handlers.ErrorResponse "Mailbox send failed"
// @Router      /cases/{id}/send [post]
func (h *Handlers) SendEmail(c *gin.Context) {
	var in services.SendInput
	if !bindOptionalJSON(c, &in) {
		return
	}
	in.IdempotencyKey, _ = middleware.GetIdempotencyKey(c)

	res, err := h.outreach.Send(c.Request.Context(), c.Param("id"), in)
	if err != nil {
		failErr(c, err)
		return
	}
	if res.Replayed {
		c.Header(HeaderIdempotencyReplayed, "true")
	}
	ok(c, http.StatusOK, res)
}
