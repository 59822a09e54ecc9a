package export

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/averki/invopipe/internal/invoice"
	"github.com/averki/invopipe/internal/queue"
	"github.com/averki/invopipe/internal/storage"
)

func exportJob(t *testing.T, records []*invoice.Record) *storage.Job {
	t.Helper()
	payload, err := json.Marshal(Payload{Records: records})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &storage.Job{ID: "j1", InvoiceID: "inv1", Kind: storage.KindExport, PayloadJSON: string(payload)}
}

func TestHandleWritesWorkbook(t *testing.T) {
	dir := t.TempDir()
	h := NewHandler(dir)

	job := exportJob(t, []*invoice.Record{exportRecord()})
	if err := h.Handle(context.Background(), job); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	data, err := os.ReadFile(h.FilePath(job.ID))
	if err != nil {
		t.Fatalf("reading workbook: %v", err)
	}
	rows := openWorkbook(t, data)
	if len(rows) != 3 {
		t.Errorf("got %d rows, want header + 2 item rows", len(rows))
	}
}

func TestHandleCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/exports"
	h := NewHandler(dir)

	if err := h.Handle(context.Background(), exportJob(t, nil)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("export directory not created: %v", err)
	}
}

func TestHandleBadPayloadIsTerminal(t *testing.T) {
	h := NewHandler(t.TempDir())

	job := &storage.Job{ID: "j1", Kind: storage.KindExport, PayloadJSON: "not json"}
	err := h.Handle(context.Background(), job)
	if !queue.IsTerminal(err) {
		t.Errorf("undecodable payload not terminal: %v", err)
	}
}
