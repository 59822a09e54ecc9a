// Package api exposes the parsing pipeline, session store and delivery
// queue over a JSON REST surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/averki/invopipe/internal/export"
	"github.com/averki/invopipe/internal/invoice"
	"github.com/averki/invopipe/internal/layout"
	"github.com/averki/invopipe/internal/pipeline"
	"github.com/averki/invopipe/internal/session"
	"github.com/averki/invopipe/internal/storage"
	"github.com/averki/invopipe/internal/webhook"
)

const maxUploadBodySize = 50 << 20 // 50MB across all files of one request
const maxFileSize = 10 << 20      // 10MB per document

// AppDeps carries everything the handlers need. Token may be empty, in
// which case the API is unauthenticated (local single-user mode).
type AppDeps struct {
	Parser   *pipeline.Parser
	Sessions *session.Store
	Jobs     *storage.Store
	Renderer *export.Renderer
	Exports  *export.Handler

	Token              string
	WebhookMaxAttempts int
	Logger             *slog.Logger
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}

		r.Post("/invoices/parse", handleParse(deps))
		r.Get("/invoices", handleListInvoices(deps))
		r.Get("/invoices/analytics", handleAnalytics(deps))
		r.Get("/invoices/export.xlsx", handleExportAll(deps))
		r.Get("/invoices/{id}", handleGetInvoice(deps))
		r.Delete("/invoices/{id}", handleDeleteInvoice(deps))
		r.Patch("/invoices/{id}/fields/{field}", handlePatchField(deps))
		r.Post("/invoices/{id}/webhook", handleEnqueueWebhook(deps))
		r.Post("/invoices/{id}/export", handleEnqueueExport(deps))
		r.Get("/invoices/{id}/export.xlsx", handleExportOne(deps))
		r.Get("/invoices/{id}/jobs", handleInvoiceJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Delete("/jobs/{id}", handleCancelJob(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ParseResponse reports per-file outcomes of one upload. Failed files are
// reported alongside the parsed ones; a bad document never fails the batch.
type ParseResponse struct {
	Invoices []*invoice.Record `json:"invoices"`
	Errors   []ParseError      `json:"errors,omitempty"`
}

type ParseError struct {
	FileName string `json:"file_name"`
	Error    string `json:"error"`
}

func handleParse(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBodySize)
		defer r.Body.Close()

		inputs, err := readUploads(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if len(inputs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no documents in request")
			return
		}

		results := deps.Parser.ParseBatch(r.Context(), inputs)

		resp := ParseResponse{Invoices: []*invoice.Record{}}
		for _, res := range results {
			if res.Err != nil {
				resp.Errors = append(resp.Errors, ParseError{FileName: res.FileName, Error: res.Err.Error()})
				continue
			}
			deps.Sessions.Put(res.Record)
			resp.Invoices = append(resp.Invoices, res.Record)
		}

		status := http.StatusOK
		if len(resp.Invoices) == 0 {
			// Every file failed; unreadable input is the caller's fault.
			status = http.StatusUnprocessableEntity
			allUnreadable := true
			for _, res := range results {
				if !errors.Is(res.Err, layout.ErrUnreadablePDF) {
					allUnreadable = false
					break
				}
			}
			if allUnreadable {
				status = http.StatusBadRequest
			}
		}
		writeJSON(w, status, resp)
	}
}

// readUploads accepts either a multipart form with one or more "files"
// parts or a single raw PDF body with the name in the "filename" query
// parameter.
func readUploads(r *http.Request) ([]pipeline.BatchInput, error) {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		ct = ""
	}

	if ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUploadBodySize); err != nil {
			return nil, fmt.Errorf("invalid multipart form: %w", err)
		}
		var inputs []pipeline.BatchInput
		for _, fh := range r.MultipartForm.File["files"] {
			if fh.Size > maxFileSize {
				return nil, fmt.Errorf("file %s exceeds the %dMB limit", fh.Filename, maxFileSize>>20)
			}
			f, err := fh.Open()
			if err != nil {
				return nil, fmt.Errorf("opening part %s: %w", fh.Filename, err)
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return nil, fmt.Errorf("reading part %s: %w", fh.Filename, err)
			}
			inputs = append(inputs, pipeline.BatchInput{
				FileName: filepath.Base(fh.Filename),
				Data:     data,
			})
		}
		return inputs, nil
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(data) > maxFileSize {
		return nil, fmt.Errorf("document exceeds the %dMB limit", maxFileSize>>20)
	}
	if len(data) == 0 {
		return nil, nil
	}
	name := r.URL.Query().Get("filename")
	if name == "" {
		name = "upload.pdf"
	}
	return []pipeline.BatchInput{{FileName: filepath.Base(name), Data: data}}, nil
}

func handleListInvoices(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := deps.Sessions.Records()
		writeJSON(w, http.StatusOK, map[string]any{
			"invoices": records,
			"count":    len(records),
		})
	}
}

func handleAnalytics(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, invoice.Summarize(deps.Sessions.Records()))
	}
}

func handleGetInvoice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := deps.Sessions.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "invoice not found or session expired")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteInvoice(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := deps.Sessions.Get(id); !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "invoice not found or session expired")
			return
		}
		deps.Sessions.Delete(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

type patchRequest struct {
	Value string `json:"value"`
}

func handlePatchField(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		field := chi.URLParam(r, "field")

		var req patchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		patch := invoice.Patch{Field: field, Value: req.Value, AppliedAt: time.Now().UTC()}
		rec, ok, err := deps.Sessions.Update(id, func(inv *invoice.Record) error {
			return invoice.Apply(inv, patch)
		})
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "invoice not found or session expired")
			return
		}
		if err != nil {
			if errors.Is(err, invoice.ErrUnknownField) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "applying correction: %v", err)
			return
		}

		deps.Logger.Info("field corrected",
			"invoice_id", id,
			"field", field,
		)
		writeJSON(w, http.StatusOK, rec)
	}
}

type webhookRequest struct {
	URL string `json:"url"`
}

func handleEnqueueWebhook(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.URL == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "url is required")
			return
		}

		rec, ok := deps.Sessions.Get(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "invoice not found or session expired")
			return
		}

		// Snapshot the record at enqueue time; later corrections do not
		// alter an already-queued delivery's payload.
		recJSON, err := json.Marshal(rec)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encoding record: %v", err)
			return
		}
		payload, err := json.Marshal(webhook.Delivery{URL: req.URL, Record: recJSON})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encoding payload: %v", err)
			return
		}

		job := storage.Job{
			ID:          uuid.NewString(),
			InvoiceID:   id,
			Kind:        storage.KindWebhook,
			PayloadJSON: string(payload),
			MaxAttempts: deps.WebhookMaxAttempts,
		}
		if err := deps.Jobs.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing delivery: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": job.ID,
			"kind":   job.Kind,
			"status": storage.StatusQueued,
		})
	}
}

func handleEnqueueExport(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		rec, ok := deps.Sessions.Get(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "invoice not found or session expired")
			return
		}

		payload, err := json.Marshal(export.Payload{Records: []*invoice.Record{rec}})
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encoding payload: %v", err)
			return
		}

		job := storage.Job{
			ID:          uuid.NewString(),
			InvoiceID:   id,
			Kind:        storage.KindExport,
			PayloadJSON: string(payload),
			MaxAttempts: export.MaxAttempts,
		}
		if err := deps.Jobs.EnqueueJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "enqueueing export: %v", err)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"job_id": job.ID,
			"kind":   job.Kind,
			"status": storage.StatusQueued,
			"file":   deps.Exports.FilePath(job.ID),
		})
	}
}

func handleExportAll(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records := deps.Sessions.Records()
		if len(records) == 0 {
			httpError(w, http.StatusNotFound, "not_found_error", "no invoices in session")
			return
		}
		serveWorkbook(w, deps, records, "invoices.xlsx")
	}
}

func handleExportOne(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, ok := deps.Sessions.Get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "invoice not found or session expired")
			return
		}
		serveWorkbook(w, deps, []*invoice.Record{rec}, rec.FileName+".xlsx")
	}
}

func serveWorkbook(w http.ResponseWriter, deps AppDeps, records []*invoice.Record, name string) {
	data, err := deps.Renderer.Render(records)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "rendering workbook: %v", err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(data)
}

// JobView is the wire shape of a job. Attempts and last_error are exposed
// so clients can poll delivery progress.
type JobView struct {
	ID        string `json:"id"`
	InvoiceID string `json:"invoice_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Max       int    `json:"max_attempts"`
	RunAfter  string `json:"run_after,omitempty"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func jobView(j storage.Job) JobView {
	v := JobView{
		ID:        j.ID,
		InvoiceID: j.InvoiceID,
		Kind:      j.Kind,
		Status:    j.Status,
		Attempts:  j.Attempts,
		Max:       j.MaxAttempts,
		LastError: j.LastError,
		CreatedAt: j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if j.Status == storage.StatusQueued && j.RunAfter.After(time.Now()) {
		v.RunAfter = j.RunAfter.UTC().Format(time.RFC3339)
	}
	return v
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Jobs.GetJob(chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "job not found")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "loading job: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, jobView(job))
	}
}

func handleInvoiceJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Jobs.JobsForInvoice(chi.URLParam(r, "id"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing jobs: %v", err)
			return
		}
		views := make([]JobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, jobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views})
	}
}

func handleCancelJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Jobs.CancelJob(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				httpError(w, http.StatusNotFound, "not_found_error", "job not found or already settled")
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "cancelling job: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"job_id": id, "cancel": "requested"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
