package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/onnwee/vidcredit/internal/ledger"
)

// Dispatcher hands a generation to the video provider and returns the provider task id.
type Dispatcher interface {
	Dispatch(ctx context.Context, g *ledger.Generation) (string, error)
}

// DefaultDispatchTimeout bounds one provider request.
const DefaultDispatchTimeout = 15 * time.Second

// maxResponseBytes caps how much of a provider response is read.
const maxResponseBytes = 1 << 20

type dispatchRequest struct {
	GenerationID string `json:"generation_id"`
	AccountID    string `json:"account_id"`
	Credits      int64  `json:"credits"`
}

// HTTPDispatcher submits jobs to the provider's HTTP API.
type HTTPDispatcher struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPDispatcher creates a dispatcher posting to url with a bearer apiKey.
func NewHTTPDispatcher(url, apiKey string, timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = DefaultDispatchTimeout
	}
	return &HTTPDispatcher{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Dispatch posts the job and reads the task id from the "id" field of the response.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, g *ledger.Generation) (string, error) {
	body, err := json.Marshal(dispatchRequest{
		GenerationID: g.ID,
		AccountID:    g.AccountID,
		Credits:      g.CreditsReserved,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode dispatch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %w", ErrDispatchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: provider returned status %d", ErrDispatchFailed, resp.StatusCode)
	}

	taskID := gjson.GetBytes(respBody, "id")
	if taskID.Type != gjson.String || taskID.String() == "" {
		return "", fmt.Errorf("%w: response has no task id", ErrDispatchFailed)
	}
	return taskID.String(), nil
}

// NoopDispatcher accepts every job locally. Used in development when no provider is configured.
type NoopDispatcher struct{}

// Dispatch returns a random task id.
func (NoopDispatcher) Dispatch(ctx context.Context, g *ledger.Generation) (string, error) {
	return "task_" + uuid.New().String(), nil
}
