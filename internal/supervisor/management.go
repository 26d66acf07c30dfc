package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Management talks to the sidecar's loopback-only management surface. Every
// request carries the shared management key; the sidecar rejects anything
// without it.
type Management struct {
	baseURL string
	key     string
	client  *http.Client
}

// NewManagement builds a client for the management URL, which must be bound
// to loopback.
func NewManagement(baseURL, key string) *Management {
	return &Management{
		baseURL: baseURL,
		key:     key,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (m *Management) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if m.key != "" {
		req.Header.Set("X-Management-Key", m.key)
	}
	return m.client.Do(req)
}

// Health probes the sidecar's health endpoint.
func (m *Management) Health(ctx context.Context) error {
	resp, err := m.do(ctx, http.MethodGet, "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar health: status %d", resp.StatusCode)
	}
	return nil
}

// ProviderStatuses fetches the sidecar's per-provider routing status. The
// shape is owned by the sidecar; it is passed through to the admin UI.
func (m *Management) ProviderStatuses(ctx context.Context) (json.RawMessage, error) {
	resp, err := m.do(ctx, http.MethodGet, "/v0/management/provider-status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sidecar provider status: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(body), nil
}

// Reload asks the sidecar to re-read its configuration without a restart.
// Not all sidecar builds support it; callers fall back to a full restart.
func (m *Management) Reload(ctx context.Context) error {
	resp, err := m.do(ctx, http.MethodPost, "/v0/management/reload")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar reload: status %d", resp.StatusCode)
	}
	return nil
}
