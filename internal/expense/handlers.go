package expense

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
)

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// writeError maps a domain error onto an HTTP status with a JSON body.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
		writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// contentTypeForUpload determines the media type of an uploaded file from
// its multipart header, falling back to the filename extension. Empty and
// octet-stream types are sniffed by the normalizer.
func contentTypeForUpload(headerType, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(headerType))
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return contentType
	}
}

// handleUploadReceipt accepts a multipart file plus a source tag and an
// optional report linkage, and creates the draft receipt.
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "error parsing form"})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "no file provided"})
		return
	}
	defer f.Close()

	// Reject oversize uploads before reading or storing anything.
	if header.Size > s.maxBytes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "file too large"})
		return
	}

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading upload", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "error reading file"})
		return
	}

	contentType := contentTypeForUpload(header.Header.Get("Content-Type"), header.Filename)
	source := UploadSource(r.FormValue("source"))
	reportID := r.FormValue("report_id")

	result, err := s.service.Upload(r.Context(), actorFrom(r), header.Filename, data, contentType, source, reportID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"receipt":    result.Receipt,
		"image_path": result.ImagePath,
		"image_url":  result.ImageURL,
	})
}

// handleExtractReceipt runs extraction for a stored receipt and persists the
// expense row.
func (s *Server) handleExtractReceipt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReceiptID string `json:"receipt_id" validate:"required"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "receipt_id is required"})
		return
	}

	extracted, exp, err := s.service.Extract(r.Context(), actorFrom(r), req.ReceiptID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"extracted": extracted,
		"expense":   exp,
	})
}

// handleListReceipts returns the actor's receipts with expenses.
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.service.ListReceipts(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"receipts": receipts})
}

// handleGetReceipt returns a receipt and its expense; while the expense row
// is not yet visible the response is 202 with a processing marker.
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, exp, err := s.service.GetReceipt(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		if receipt != nil && statusFor(err) == http.StatusAccepted {
			writeJSON(w, http.StatusAccepted, map[string]any{
				"receipt": receipt,
				"status":  "processing",
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, &ReceiptWithExpense{Receipt: receipt, Expense: exp})
}

// handleEditReceipt applies a partial update to the expense derived from a
// receipt and reports whether anything actually changed.
func (s *Server) handleEditReceipt(w http.ResponseWriter, r *http.Request) {
	var edit ExpenseEdit
	if err := json.NewDecoder(r.Body).Decode(&edit); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := s.validate.Struct(edit); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid field values: " + err.Error()})
		return
	}

	exp, changed, err := s.service.EditExpense(r.Context(), actorFrom(r), chi.URLParam(r, "id"), edit)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"expense":      exp,
		"changes_made": changed,
	})
}

// handleDeleteReceipt deletes a draft, unlinked receipt.
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReceipt(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCreateReport creates a draft expense report.
func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	report, err := s.service.CreateReport(r.Context(), actorFrom(r), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"report": report})
}

// handleListReports lists the actor's reports, optionally filtered by the
// status query parameter.
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.service.ListReports(r.Context(), actorFrom(r), Status(r.URL.Query().Get("status")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports})
}

// handleGetReport returns a report with its receipts and expenses.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.GetReport(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleUpdateReport renames a draft report.
func (s *Server) handleUpdateReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	report, err := s.service.UpdateReportTitle(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Title)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// handleDeleteReport deletes a draft report and its receipts.
func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteReport(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubmitReport submits a draft report for review.
func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.SubmitReport(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// handleAddReceiptToReport links a receipt to a draft report.
func (s *Server) handleAddReceiptToReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.AddReceiptToReport(r.Context(), actorFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "receiptID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// handleRemoveReceiptFromReport unlinks a receipt from a draft report.
func (s *Server) handleRemoveReceiptFromReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.service.RemoveReceiptFromReport(r.Context(), actorFrom(r), chi.URLParam(r, "id"), chi.URLParam(r, "receiptID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": report})
}

// handleListCategories returns the category lookup rows.
func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.db.ListCategories()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

// handleListDepartments returns the department lookup rows.
func (s *Server) handleListDepartments(w http.ResponseWriter, r *http.Request) {
	departments, err := s.db.ListDepartments()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"departments": departments})
}

// handleGetFile serves a stored blob when the request carries a valid,
// unexpired signature.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	path, err := url.PathUnescape(chi.URLParam(r, "*"))
	if err != nil || path == "" || strings.Contains(path, "..") {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	exp := r.URL.Query().Get("exp")
	sig := r.URL.Query().Get("sig")
	if !s.files.VerifySignedPath(path, exp, sig) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	data, err := s.files.Get(path)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentTypeForPath(path))
	w.Write(data)
}
