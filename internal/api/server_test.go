package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/averki/invopipe/internal/export"
	"github.com/averki/invopipe/internal/invoice"
	"github.com/averki/invopipe/internal/pipeline"
	"github.com/averki/invopipe/internal/session"
	"github.com/averki/invopipe/internal/storage"
	"github.com/averki/invopipe/internal/webhook"
)

type testApp struct {
	handler  http.Handler
	sessions *session.Store
	jobs     *storage.Store
}

func newTestApp(t *testing.T, token string) *testApp {
	t.Helper()
	jobs, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { jobs.Close() })

	sessions := session.NewStore(time.Hour)
	handler := NewAppHandler(AppDeps{
		Parser:             pipeline.NewParser(pipeline.Options{}),
		Sessions:           sessions,
		Jobs:               jobs,
		Renderer:           export.NewRenderer(),
		Exports:            export.NewHandler(t.TempDir()),
		Token:              token,
		WebhookMaxAttempts: 5,
	})
	return &testApp{handler: handler, sessions: sessions, jobs: jobs}
}

func (a *testApp) seed(t *testing.T) *invoice.Record {
	t.Helper()
	rec := invoice.NewAssembler(0.01).Assemble("acme.pdf", map[string]invoice.FieldValue{
		invoice.FieldVendor:      {Value: "Acme Corp", Confidence: 0.55, Source: invoice.SourceParsed},
		invoice.FieldTotalAmount: {Value: "108.00", Confidence: 0.8, Source: invoice.SourceParsed},
	}, []invoice.LineItem{
		{Description: "Widget", Quantity: 2, UnitPrice: 10, Amount: 20},
	})
	a.sessions.Put(rec)
	return rec
}

func (a *testApp) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func TestHealthIsPublic(t *testing.T) {
	app := newTestApp(t, "sekrit")

	w := app.request(t, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
}

func TestBearerAuth(t *testing.T) {
	app := newTestApp(t, "sekrit")

	w := app.request(t, "GET", "/invoices", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated request = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/invoices", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec := httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated request = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("GET", "/invoices", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	app.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d, want 401", rec.Code)
	}
}

func TestGetInvoice(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	w := app.request(t, "GET", "/invoices/"+rec.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET invoice = %d: %s", w.Code, w.Body)
	}

	var got invoice.Record
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.ID != rec.ID || got.Fields[invoice.FieldVendor].Value != "Acme Corp" {
		t.Errorf("got %+v", got)
	}

	if w := app.request(t, "GET", "/invoices/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing invoice = %d, want 404", w.Code)
	}
}

func TestPatchField(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	w := app.request(t, "PATCH", "/invoices/"+rec.ID+"/fields/vendor", map[string]string{"value": "Acme Inc"})
	if w.Code != http.StatusOK {
		t.Fatalf("PATCH = %d: %s", w.Code, w.Body)
	}

	var got invoice.Record
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	fv := got.Fields[invoice.FieldVendor]
	if fv.Value != "Acme Inc" || fv.Source != invoice.SourceManual || fv.Confidence != 1.0 {
		t.Errorf("patched field = %+v", fv)
	}
	if len(got.History[invoice.FieldVendor]) != 1 {
		t.Errorf("history = %+v", got.History)
	}
}

func TestPatchUnknownField(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	w := app.request(t, "PATCH", "/invoices/"+rec.ID+"/fields/color", map[string]string{"value": "blue"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("PATCH unknown field = %d, want 400: %s", w.Code, w.Body)
	}
}

func TestAnalytics(t *testing.T) {
	app := newTestApp(t, "")
	app.seed(t)

	w := app.request(t, "GET", "/invoices/analytics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET analytics = %d: %s", w.Code, w.Body)
	}

	var a invoice.Analytics
	if err := json.Unmarshal(w.Body.Bytes(), &a); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if a.TotalInvoices != 1 || a.TotalSpend != 108.00 {
		t.Errorf("analytics = %+v", a)
	}
	if len(a.SpendByVendor) != 1 || a.SpendByVendor[0].Vendor != "Acme Corp" {
		t.Errorf("vendors = %+v", a.SpendByVendor)
	}
}

func TestDeleteInvoice(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	if w := app.request(t, "DELETE", "/invoices/"+rec.ID, nil); w.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", w.Code)
	}
	if w := app.request(t, "GET", "/invoices/"+rec.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("GET after delete = %d, want 404", w.Code)
	}
	if w := app.request(t, "DELETE", "/invoices/"+rec.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("second DELETE = %d, want 404", w.Code)
	}
}

func TestEnqueueWebhookSnapshotsRecord(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	w := app.request(t, "POST", "/invoices/"+rec.ID+"/webhook", map[string]string{"url": "https://example.com/hook"})
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST webhook = %d: %s", w.Code, w.Body)
	}

	var resp struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	job, err := app.jobs.GetJob(resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Kind != storage.KindWebhook || job.InvoiceID != rec.ID {
		t.Errorf("job = %+v", job)
	}

	var delivery webhook.Delivery
	if err := json.Unmarshal([]byte(job.PayloadJSON), &delivery); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if delivery.URL != "https://example.com/hook" {
		t.Errorf("payload url = %q", delivery.URL)
	}
	var snap invoice.Record
	if err := json.Unmarshal(delivery.Record, &snap); err != nil {
		t.Fatalf("decoding snapshot: %v", err)
	}
	if snap.ID != rec.ID {
		t.Errorf("snapshot id = %q, want %q", snap.ID, rec.ID)
	}
}

func TestEnqueueWebhookValidation(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	if w := app.request(t, "POST", "/invoices/"+rec.ID+"/webhook", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Errorf("missing url = %d, want 400", w.Code)
	}
	if w := app.request(t, "POST", "/invoices/nope/webhook", map[string]string{"url": "https://example.com"}); w.Code != http.StatusNotFound {
		t.Errorf("unknown invoice = %d, want 404", w.Code)
	}
}

func TestEnqueueExport(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	w := app.request(t, "POST", "/invoices/"+rec.ID+"/export", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST export = %d: %s", w.Code, w.Body)
	}

	var resp struct {
		JobID string `json:"job_id"`
		File  string `json:"file"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.File == "" {
		t.Error("response missing target file path")
	}

	job, err := app.jobs.GetJob(resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Kind != storage.KindExport || job.MaxAttempts != export.MaxAttempts {
		t.Errorf("job = %+v", job)
	}
}

func TestDownloadWorkbook(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	w := app.request(t, "GET", "/invoices/"+rec.ID+"/export.xlsx", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET export.xlsx = %d: %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Body.Len() == 0 {
		t.Error("empty workbook body")
	}

	if w := app.request(t, "GET", "/invoices/export.xlsx", nil); w.Code != http.StatusOK {
		t.Errorf("GET session export = %d", w.Code)
	}
}

func TestJobLifecycleOverAPI(t *testing.T) {
	app := newTestApp(t, "")
	rec := app.seed(t)

	w := app.request(t, "POST", "/invoices/"+rec.ID+"/webhook", map[string]string{"url": "https://example.com/hook"})
	var created struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding response: %v", err)
	}

	w = app.request(t, "GET", "/jobs/"+created.JobID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET job = %d", w.Code)
	}
	var view JobView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding job view: %v", err)
	}
	if view.Status != storage.StatusQueued || view.Max != 5 {
		t.Errorf("job view = %+v", view)
	}

	if w := app.request(t, "DELETE", "/jobs/"+created.JobID, nil); w.Code != http.StatusAccepted {
		t.Fatalf("DELETE job = %d", w.Code)
	}
	job, err := app.jobs.GetJob(created.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Status != storage.StatusCancelled {
		t.Errorf("status after cancel = %s", job.Status)
	}

	w = app.request(t, "GET", "/invoices/"+rec.ID+"/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET invoice jobs = %d", w.Code)
	}
	var list struct {
		Jobs []JobView `json:"jobs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decoding job list: %v", err)
	}
	if len(list.Jobs) != 1 {
		t.Errorf("jobs = %+v, want 1 entry", list.Jobs)
	}

	if w := app.request(t, "GET", "/jobs/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing job = %d, want 404", w.Code)
	}
}

func TestParseRejectsUnreadableUpload(t *testing.T) {
	app := newTestApp(t, "")

	req := httptest.NewRequest("POST", "/invoices/parse?filename=scan.pdf", strings.NewReader("not a pdf"))
	req.Header.Set("Content-Type", "application/pdf")
	w := httptest.NewRecorder()
	app.handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST parse = %d, want 400: %s", w.Code, w.Body)
	}
	var resp ParseResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].FileName != "scan.pdf" {
		t.Errorf("errors = %+v", resp.Errors)
	}
}

func TestParseEmptyBody(t *testing.T) {
	app := newTestApp(t, "")

	w := app.request(t, "POST", "/invoices/parse", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST parse with no body = %d, want 400", w.Code)
	}
}
