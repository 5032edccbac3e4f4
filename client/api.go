// Package client is the consuming side of the live-update pipeline: an HTTP
// client for the event API, an SSE stream reader and the reconciliation
// engine that keeps a local mirror in step with the server.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bytedance/sonic"

	"calendar-live/domain"
)

// API wraps http.Client with the calendar endpoints.
type API struct {
	BaseURL string
	HTTP    *http.Client
}

// NewAPI creates an API client. A non-positive timeout means no timeout.
func NewAPI(baseURL string, timeout time.Duration) *API {
	hc := &http.Client{}
	if timeout > 0 {
		hc.Timeout = timeout
	}
	return &API{BaseURL: baseURL, HTTP: hc}
}

type errorBody struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems"`
}

// List fetches every event ordered by start.
func (c *API) List(ctx context.Context) ([]domain.Event, error) {
	var out []domain.Event
	if err := c.do(ctx, http.MethodGet, "/events", "", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	if out == nil {
		out = []domain.Event{}
	}
	return out, nil
}

// Get fetches one event.
func (c *API) Get(ctx context.Context, id string) (domain.Event, error) {
	var ev domain.Event
	err := c.do(ctx, http.MethodGet, "/events/"+url.PathEscape(id), id, nil, &ev, http.StatusOK)
	return ev, err
}

// Create stores a new event.
func (c *API) Create(ctx context.Context, in domain.EventInput) (domain.Event, error) {
	var ev domain.Event
	err := c.do(ctx, http.MethodPost, "/events", "", in, &ev, http.StatusCreated)
	return ev, err
}

// Update replaces the event with the given id.
func (c *API) Update(ctx context.Context, id string, in domain.EventInput) (domain.Event, error) {
	var ev domain.Event
	err := c.do(ctx, http.MethodPut, "/events/"+url.PathEscape(id), id, in, &ev, http.StatusOK)
	return ev, err
}

// Delete removes the event with the given id.
func (c *API) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/events/"+url.PathEscape(id), id, nil, nil, http.StatusNoContent)
}

func (c *API) do(ctx context.Context, method, path, id string, body, out any, want int) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case want:
		if out == nil || len(data) == 0 {
			return nil
		}
		return sonic.ConfigStd.Unmarshal(data, out)
	case http.StatusNotFound:
		return &domain.NotFoundError{ID: id}
	case http.StatusBadRequest:
		var eb errorBody
		_ = sonic.ConfigStd.Unmarshal(data, &eb)
		if len(eb.Problems) == 0 {
			eb.Problems = []string{"rejected by server"}
		}
		return &domain.ValidationError{Problems: eb.Problems}
	default:
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
}
