package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/supplier-confirmations/internal/repo"
	"github.com/tbourn/supplier-confirmations/internal/services"
)

// maxExtractBatch caps attachment ids per extract call.
const maxExtractBatch = 100

type RetrieveRequest struct {
	// ThreadID selects the mailbox thread; empty means the case's known
	// thread, or a supplier search.
	ThreadID string `json:"thread_id,omitempty"`
}

type UploadAttachmentRequest struct {
	Filename   string `json:"filename"    example:"SO-50123.pdf"`
	DataBase64 string `json:"data_base64"`
}

type ListAttachmentsResponse struct {
	Attachments []repo.CaseAttachment `json:"attachments"`
}

type ExtractRequest struct {
	AttachmentIDs []string `json:"attachment_ids"`
}

type ExtractResponse struct {
	Results []services.ExtractResult `json:"results"`
}

// bindOptionalJSON is bindJSON for endpoints whose body may be omitted.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.Body == nil || c.Request.Body == http.NoBody || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return true
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
			return false
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// RetrieveEvidence godoc
// @ID          retrieveEvidence
// @Summary     Pull the case thread from the mailbox
// @Description Stores new messages and PDF attachments; already stored
// @Description messages are reused.
// @Tags        Evidence
// @Accept      json
// @Produce     json
// @Param       id    path  string                     true   "Case ID"
// @Param       body  body  handlers.RetrieveRequest   false  "Thread selection"
// @Success     200  {object} services.RetrieveResult
// @Failure     404  {object} handlers.ErrorResponse
// @Failure     503  {object} handlers.ErrorResponse "Mailbox not configured"
// @Router      /cases/{id}/retrieve [post]
func (h *Handlers) RetrieveEvidence(c *gin.Context) {
	var req RetrieveRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.evidence.Retrieve(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.ThreadID))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ListAttachments godoc
// @ID          listAttachments
// @Summary     List the PDF attachments of a case, newest first
// @Tags        Evidence
// @Produce     json
// @Param       id  path  string  true  "Case ID"
// @Success     200  {object} handlers.ListAttachmentsResponse
// @Failure     404  {object} handlers.ErrorResponse
// @Router      /cases/{id}/attachments [get]
func (h *Handlers) ListAttachments(c *gin.Context) {
	items, err := h.evidence.ListAttachments(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if items == nil {
		items = []repo.CaseAttachment{}
	}
	ok(c, http.StatusOK, ListAttachmentsResponse{Attachments: items})
}

// UploadAttachment godoc
// @ID          uploadAttachment
// @Summary     Attach a PDF received outside the mailbox
// @Tags        Evidence
// @Accept      json
// @Produce     json
// @Param       id    path  string                            true  "Case ID"
// @Param       body  body  handlers.UploadAttachmentRequest  true  "Base64 PDF"
// @Success     201  {object} services.UploadResult "Stored"
// @Success     200  {object} services.UploadResult "Same content already stored"
// @Failure     400  {object} handlers.ErrorResponse
// @Failure     413  {object} handlers.ErrorResponse
// @Router      /cases/{id}/attachments [post]
func (h *Handlers) UploadAttachment(c *gin.Context) {
	var req UploadAttachmentRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.evidence.Upload(c.Request.Context(), c.Param("id"), strings.TrimSpace(req.Filename), req.DataBase64)
	if err != nil {
		failErr(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	ok(c, status, res)
}

// ExtractText godoc
// @ID          extractText
// @Summary     Extract text from stored PDFs
// @Description Per-attachment results; one failure never aborts the batch.
// @Tags        Evidence
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.ExtractRequest  true  "Attachment ids"
// @Success     200  {object} handlers.ExtractResponse
// @Failure     400  {object} handlers.ErrorResponse
// @Router      /attachments/extract [post]
func (h *Handlers) ExtractText(c *gin.Context) {
	var req ExtractRequest
	if !bindJSON(c, &req) {
		return
	}
	ids := make([]string, 0, len(req.AttachmentIDs))
	for _, id := range req.AttachmentIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "attachment_ids required")
		return
	}
	if len(ids) > maxExtractBatch {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "too many attachment_ids")
		return
	}
	ok(c, http.StatusOK, ExtractResponse{Results: h.evidence.ExtractText(c.Request.Context(), ids)})
}
