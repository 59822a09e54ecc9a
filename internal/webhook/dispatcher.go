// Package webhook delivers signed invoice payloads to subscriber URLs.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/averki/invopipe/internal/queue"
	"github.com/averki/invopipe/internal/storage"
)

// SignatureHeader carries the HMAC of the request body.
const SignatureHeader = "X-Hub-Signature-256"

// DefaultTimeout bounds one delivery attempt.
const DefaultTimeout = 10 * time.Second

// Delivery is the job payload: the target URL plus the record snapshot
// taken at enqueue time. The snapshot travels inside the job because the
// session record may be evicted before the job runs.
type Delivery struct {
	URL    string          `json:"url"`
	Record json.RawMessage `json:"record"`
}

// Dispatcher posts signed payloads. It implements queue.Handler.
type Dispatcher struct {
	client  *http.Client
	secret  string
	timeout time.Duration
	logger  *slog.Logger
}

func NewDispatcher(secret string, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		client:  &http.Client{Timeout: timeout},
		secret:  secret,
		timeout: timeout,
		logger:  slog.Default(),
	}
}

// Sign computes the hex HMAC-SHA256 of body in the header format
// "sha256=<hex>".
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) Kind() string { return storage.KindWebhook }

// Handle performs one delivery attempt. A non-2xx response or a transport
// failure is retryable; a 4xx rejection and an unusable payload are
// terminal.
func (d *Dispatcher) Handle(ctx context.Context, job *storage.Job) error {
	var delivery Delivery
	if err := json.Unmarshal([]byte(job.PayloadJSON), &delivery); err != nil {
		return queue.Terminal(fmt.Errorf("decoding payload: %w", err))
	}
	target, err := url.Parse(delivery.URL)
	if err != nil || target.Scheme == "" || target.Host == "" {
		return queue.Terminal(fmt.Errorf("invalid webhook url %q", delivery.URL))
	}

	body, err := json.Marshal(delivery.Record)
	if err != nil {
		return queue.Terminal(fmt.Errorf("encoding record: %w", err))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, delivery.URL, bytes.NewReader(body))
	if err != nil {
		return queue.Terminal(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(d.secret, body))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		d.logger.Info("webhook delivered",
			"invoice_id", job.InvoiceID, "url", delivery.URL, "status", resp.StatusCode)
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the request itself; retrying the same
		// payload has no value.
		return queue.Terminal(fmt.Errorf("webhook rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}
