// Package submit carries placements to the betting backend. The HTTP
// submitter talks to the production order endpoint; the loopback submitter
// accepts everything locally for development against the in-memory stack.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tickgrid/bet-engine/internal/model"
)

// ErrSessionExpired is returned when the backend rejects the session token.
// Callers should reauthenticate and retry.
var ErrSessionExpired = errors.New("submit: session expired")

// DefaultTimeout bounds one placement round trip.
const DefaultTimeout = 10 * time.Second

// HTTPSubmitter places bets against the backend's order endpoint.
type HTTPSubmitter struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPSubmitter creates a submitter. A nil client gets a default with
// DefaultTimeout.
func NewHTTPSubmitter(baseURL, token string, client *http.Client) *HTTPSubmitter {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPSubmitter{baseURL: baseURL, token: token, client: client}
}

// PlaceBet posts the placement and decodes the backend's verdict. A declined
// placement is not an error: the result carries the backend's reason.
func (s *HTTPSubmitter) PlaceBet(ctx context.Context, req model.PlacementRequest) (model.PlacementResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return model.PlacementResult{}, fmt.Errorf("encode placement: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return model.PlacementResult{}, fmt.Errorf("build placement request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return model.PlacementResult{}, fmt.Errorf("place bet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return model.PlacementResult{}, ErrSessionExpired
	}
	if resp.StatusCode >= 500 {
		return model.PlacementResult{}, fmt.Errorf("place bet: backend returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.PlacementResult{}, fmt.Errorf("read placement response: %w", err)
	}
	var res model.PlacementResult
	if err := json.Unmarshal(data, &res); err != nil {
		return model.PlacementResult{}, fmt.Errorf("decode placement response: %w", err)
	}
	return res, nil
}

// Loopback accepts every placement and mints a local order ID. Development
// and tests only.
type Loopback struct{}

func (Loopback) PlaceBet(_ context.Context, _ model.PlacementRequest) (model.PlacementResult, error) {
	return model.PlacementResult{Success: true, OrderID: uuid.New().String()}, nil
}
