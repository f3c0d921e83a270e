// Package laravel is the HTTP client for the business backend's internal API.
//
// Every request carries the shared X-Internal-Key secret. All calls run
// behind a circuit breaker so a slow or dead backend cannot stall the
// signaling path; fire-and-forget callers are expected to log failures and
// move on.
package laravel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flylive/msab/internal/v1/metrics"
)

// ErrNotFound is returned when the backend has no record for the requested
// resource (HTTP 404). It does not count against the circuit breaker.
var ErrNotFound = errors.New("laravel: not found")

const defaultTimeout = 10 * time.Second

// RoomStatus mirrors the body of POST /internal/rooms/{id}/status.
type RoomStatus struct {
	IsLive           bool       `json:"is_live"`
	ParticipantCount int        `json:"participant_count"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// RoomInfo is the backend's view of a room, fetched on owner-cache misses.
type RoomInfo struct {
	ID         string   `json:"id"`
	OwnerID    string   `json:"owner_id"`
	ManagerIDs []string `json:"manager_ids"`
	SeatCount  int      `json:"seat_count"`
}

// GiftTransaction is the canonical gift record. The gift buffer queues it in
// Redis verbatim and ships it to POST /internal/gifts/batch; the backend
// dedupes by TransactionID, so retries are safe.
type GiftTransaction struct {
	TransactionID      string `json:"transaction_id"`
	RoomID             string `json:"room_id"`
	SenderUserID       string `json:"sender_user_id"`
	RecipientUserID    string `json:"recipient_user_id"`
	GiftID             string `json:"gift_id"`
	Quantity           int    `json:"quantity"`
	TimestampMs        int64  `json:"timestamp_ms"`
	SenderConnectionID string `json:"sender_connection_id,omitempty"`
	RetryCount         int    `json:"retry_count,omitempty"`
}

// GiftFailure identifies one transaction the backend rejected and why.
type GiftFailure struct {
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Reason        string `json:"reason"`
}

// GiftBatchResult is the backend's reply to a gift batch submission.
type GiftBatchResult struct {
	ProcessedCount int           `json:"processed_count"`
	Failed         []GiftFailure `json:"failed"`
}

// Options configures the backend client.
type Options struct {
	BaseURL     string
	InternalKey string
	Timeout     time.Duration
	// HTTPClient overrides the default client; tests point it at httptest.
	HTTPClient *http.Client
}

// Client talks to the business backend. Safe for concurrent use.
type Client struct {
	baseURL string
	key     string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
}

// New builds a Client from opts, applying the default timeout when unset.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	st := gobreaker.Settings{
		Name:        "laravel",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		// A 404 is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateHalfOpen:
				stateVal = 1
			case gobreaker.StateOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("laravel").Set(stateVal)
		},
	}

	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		key:     opts.InternalKey,
		http:    httpClient,
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

// SetRoomStatus reports a room going live or dead, with its current
// participant count.
func (c *Client) SetRoomStatus(ctx context.Context, roomID string, status RoomStatus) error {
	path := "/internal/rooms/" + url.PathEscape(roomID) + "/status"
	return c.do(ctx, http.MethodPost, path, status, nil)
}

// GetRoom fetches room data from the backend. Returns ErrNotFound when the
// backend does not know the room.
func (c *Client) GetRoom(ctx context.Context, roomID string) (*RoomInfo, error) {
	var info RoomInfo
	path := "/internal/rooms/" + url.PathEscape(roomID)
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SendGiftBatch submits queued gift transactions for settlement. The backend
// processes what it can and itemizes the rest in the result's Failed list.
func (c *Client) SendGiftBatch(ctx context.Context, txs []GiftTransaction) (*GiftBatchResult, error) {
	var result GiftBatchResult
	body := map[string][]GiftTransaction{"transactions": txs}
	if err := c.do(ctx, http.MethodPost, "/internal/gifts/batch", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var reqBody io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request body: %w", err)
			}
			reqBody = bytes.NewReader(data)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Internal-Key", c.key)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, ErrNotFound
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("backend returned %d for %s %s: %s",
				resp.StatusCode, method, path, strings.TrimSpace(string(snippet)))
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode backend response: %w", err)
			}
			return nil, nil
		}

		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	})

	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.CircuitBreakerFailures.WithLabelValues("laravel").Inc()
		}
		return err
	}
	return nil
}
