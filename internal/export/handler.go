package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/averki/invopipe/internal/invoice"
	"github.com/averki/invopipe/internal/queue"
	"github.com/averki/invopipe/internal/storage"
)

// MaxAttempts for export jobs: one retry on resource exhaustion, then
// terminal.
const MaxAttempts = 2

// Payload is the export job payload: record snapshots captured at enqueue
// time, since the session entries may be evicted before the job runs.
type Payload struct {
	Records []*invoice.Record `json:"records"`
}

// Handler renders queued export jobs into workbook files under dir. It
// implements queue.Handler.
type Handler struct {
	renderer *Renderer
	dir      string
	logger   *slog.Logger
}

func NewHandler(dir string) *Handler {
	return &Handler{
		renderer: NewRenderer(),
		dir:      dir,
		logger:   slog.Default(),
	}
}

func (h *Handler) Kind() string { return storage.KindExport }

// FilePath returns where the workbook for a job lands.
func (h *Handler) FilePath(jobID string) string {
	return filepath.Join(h.dir, "export_"+jobID+".xlsx")
}

// Handle renders one export job. An undecodable payload is terminal;
// render or write failures are left retryable, with the attempt budget
// capping them at one retry.
func (h *Handler) Handle(ctx context.Context, job *storage.Job) error {
	var payload Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return queue.Terminal(fmt.Errorf("decoding payload: %w", err))
	}

	data, err := h.renderer.Render(payload.Records)
	if err != nil {
		return fmt.Errorf("rendering workbook: %w", err)
	}

	if err := os.MkdirAll(h.dir, 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}
	path := h.FilePath(job.ID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}

	h.logger.Info("export rendered", "job_id", job.ID, "invoice_id", job.InvoiceID,
		"records", len(payload.Records), "path", path)
	return nil
}
