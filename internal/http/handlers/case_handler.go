package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/supplier-confirmations/internal/domain"
	"github.com/tbourn/supplier-confirmations/internal/parser"
	"github.com/tbourn/supplier-confirmations/internal/repo"
	"github.com/tbourn/supplier-confirmations/internal/services"
	"github.com/tbourn/supplier-confirmations/internal/utils"
)

// Service interfaces consumed by the handlers. The concrete services live in
// internal/services; tests substitute fakes.
type CaseService interface {
	Resolve(ctx context.Context, in services.ResolveInput) (*domain.Case, bool, error)
	Get(ctx context.Context, id string) (*services.CaseView, error)
	BulkStatus(ctx context.Context, keys []repo.POLineKey) (map[string]services.CaseStatus, error)
	ListEvents(ctx context.Context, id string, page, pageSize int) ([]domain.Event, int64, *time.Time, error)
	ListMessages(ctx context.Context, id string) ([]domain.Message, error)
	ForceRetry(ctx context.Context, id string) (*domain.Case, error)
	MarkError(ctx context.Context, id, cause string) (*domain.Case, error)
	Escalate(ctx context.Context, id string, status domain.Status, reason string) (*domain.Case, error)
	AdminReset(ctx context.Context) (int64, error)
}

type EvidenceService interface {
	Retrieve(ctx context.Context, caseID, threadID string) (*services.RetrieveResult, error)
	Upload(ctx context.Context, caseID, filename, dataBase64 string) (*services.UploadResult, error)
	ListAttachments(ctx context.Context, caseID string) ([]repo.CaseAttachment, error)
	ExtractText(ctx context.Context, ids []string) []services.ExtractResult
	RehashAttachments(ctx context.Context) (*services.RehashResult, error)
}

type ParseService interface {
	Parse(ctx context.Context, caseID string, expectedQty *float64) (*parser.Result, error)
}

type ApplyService interface {
	Apply(ctx context.Context, caseID string, in services.ApplyInput) (*services.ApplyResult, error)
	ManualEdit(ctx context.Context, caseID string, fields domain.FieldSet) (*services.ApplyResult, error)
	ClearOverride(ctx context.Context, caseID string, field domain.CanonicalField) (*domain.Case, error)
}

type OutreachService interface {
	DraftEmail(ctx context.Context, caseID string, missing []domain.FieldKey) (*services.Draft, error)
	Send(ctx context.Context, caseID string, in services.SendInput) (*services.SendResult, error)
}

// Handlers groups the HTTP handlers and their service dependencies.
type Handlers struct {
	cases    CaseService
	evidence EvidenceService
	parse    ParseService
	apply    ApplyService
	outreach OutreachService
}

// New wires the handlers to concrete services.
func New(cases CaseService, evidence EvidenceService, parse ParseService, apply ApplyService, outreach OutreachService) *Handlers {
	return &Handlers{cases: cases, evidence: evidence, parse: parse, apply: apply, outreach: outreach}
}

const (
	defaultEventsPageSize = 50
	maxEventsPageSize     = 200
)

// -----------------------------------------------------------------------------
// DTOs
// -----------------------------------------------------------------------------

// ResolveResponse is returned by POST /cases/resolve.
type ResolveResponse struct {
	Case    *domain.Case `json:"case"`
	Created bool         `json:"created"`
}

// POLineKey is one entry of a bulk status request.
type POLineKey struct {
	PONumber string `json:"po_number" example:"907255"`
	LineID   string `json:"line_id"   example:"1"`
}

// BulkStatusRequest is the body of POST /cases/status.
type BulkStatusRequest struct {
	Keys []POLineKey `json:"keys"`
}

// BulkStatusResponse maps "po|line" to the case state. Unknown lines are
// absent.
type BulkStatusResponse struct {
	Statuses map[string]services.CaseStatus `json:"statuses"`
}

// Pagination describes one page of a list.
type Pagination struct {
	Page       int   `json:"page"        example:"1"`
	PageSize   int   `json:"page_size"   example:"50"`
	Total      int64 `json:"total"       example:"7"`
	TotalPages int   `json:"total_pages" example:"1"`
	HasNext    bool  `json:"has_next"    example:"false"`
}

// ListEventsResponse is one page of a case timeline.
type ListEventsResponse struct {
	Events     []domain.Event `json:"events"`
	Pagination Pagination     `json:"pagination"`
}

// ListMessagesResponse lists every message of a case.
type ListMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// ResolveCase godoc
// @ID          resolveCase
// @Summary     Find or create the case of a PO line
// @Tags        Cases
// @Accept      json
// @Produce     json
// @Param       body  body  services.ResolveInput  true  "PO line"
// @Success     200  {object} handlers.ResolveResponse "Existing case"
// @Success     201  {object} handlers.ResolveResponse "Created"
// @Failure     400  {object} handlers.ErrorResponse
// @Router      /cases/resolve [post]
func (h *Handlers) ResolveCase(c *gin.Context) {
	var in services.ResolveInput
	if !bindJSON(c, &in) {
		return
	}
	cs, created, err := h.cases.Resolve(c.Request.Context(), in)
	if err != nil {
		failErr(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, ResolveResponse{Case: cs, Created: created})
}

// BulkStatus godoc
// @ID          bulkCaseStatus
// @Summary     State and status of many PO lines at once
// @Tags        Cases
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.BulkStatusRequest  true  "PO line keys"
// @Success     200  {object} handlers.BulkStatusResponse
// @Failure     400  {object} handlers.ErrorResponse
// @Router      /cases/status [post]
func (h *Handlers) BulkStatus(c *gin.Context) {
	var req BulkStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	keys := make([]repo.POLineKey, 0, len(req.Keys))
	for _, k := range req.Keys {
		po, line := strings.TrimSpace(k.PONumber), strings.TrimSpace(k.LineID)
		if po == "" || line == "" {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "every key needs po_number and line_id")
			return
		}
		keys = append(keys, repo.POLineKey{PONumber: po, LineID: line})
	}
	out, err := h.cases.BulkStatus(c.Request.Context(), keys)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, BulkStatusResponse{Statuses: out})
}

// GetCase godoc
// @ID          getCase
// @Summary     Get a case and its confirmation record
// @Tags        Cases
// @Produce     json
// @Param       id  path  string  true  "Case ID"
// @Success     200  {object} services.CaseView
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id} [get]
func (h *Handlers) GetCase(c *gin.Context) {
	view, err := h.cases.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, view)
}

// ListEvents godoc
// @ID          listCaseEvents
// @Summary     Page through a case timeline
// @Description Oldest first. Responses carry a weak ETag derived from the
// @Description event count and newest timestamp; If-None-Match yields 304.
// @Tags        Cases
// @Produce     json
// @Param       id             path    string  true   "Case ID"
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(200) default(50)
// @Success     200  {object} handlers.ListEventsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id}/events [get]
func (h *Handlers) ListEvents(c *gin.Context) {
	id := c.Param("id")
	page, size := utils.ClampPage(c.Query("page"), c.Query("page_size"), defaultEventsPageSize, maxEventsPageSize)

	items, total, last, err := h.cases.ListEvents(c.Request.Context(), id, page, size)
	if err != nil {
		failErr(c, err)
		return
	}

	etag := eventsETag(id, total, last, page, size)
	c.Header("ETag", etag)
	c.Header("Cache-Control", "private, no-cache")
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	pages := utils.TotalPages(total, size)
	ok(c, http.StatusOK, ListEventsResponse{
		Events: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   size,
			Total:      total,
			TotalPages: pages,
			HasNext:    page < pages,
		},
	})
}

func eventsETag(id string, total int64, last *time.Time, page, size int) string {
	var ts int64
	if last != nil {
		ts = last.UnixNano()
	}
	return fmt.Sprintf(`W/"events:%s:%d:%d:%d:%d"`, id, total, ts, page, size)
}

// ListMessages godoc
// @ID          listCaseMessages
// @Summary     List the inbound and outbound messages of a case
// @Tags        Cases
// @Produce     json
// @Param       id  path  string  true  "Case ID"
// @Success     200  {object} handlers.ListMessagesResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	msgs, err := h.cases.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: msgs})
}
