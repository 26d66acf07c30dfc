// Package gateway is the data plane: it forwards OpenAI-compatible requests
// from authenticated users to the supervised sidecar, streams responses
// back, and feeds token counts into usage accounting.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tokengate/tokengate/internal/usage"
	"github.com/tokengate/tokengate/pkg/models"
)

// ErrSidecarDown means there is no running sidecar to forward to.
var ErrSidecarDown = errors.New("sidecar is not running")

// ErrRefreshFailed means the sidecar rejected the provider credential and the
// stored credential could not be refreshed. An upstream fault, not ours.
var ErrRefreshFailed = errors.New("provider credential refresh failed")

// maxRequestBody bounds buffered request bodies. Bodies are buffered so a
// request can be replayed once after a credential refresh.
const maxRequestBody = 10 << 20

// Upstream resolves the sidecar's loopback base URL; empty means down.
type Upstream interface {
	Endpoint() string
}

// Refresher rotates a provider's stored credentials after an upstream 401.
type Refresher interface {
	RefreshProvider(ctx context.Context, provider string) error
}

// hop-by-hop and credential headers never forwarded to the sidecar. The
// client's bearer is the gateway key, not a provider credential.
var strippedHeaders = []string{
	"Authorization",
	"Cookie",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forwarder proxies data-plane requests to the sidecar.
type Forwarder struct {
	upstream  Upstream
	recorder  *usage.Recorder
	refresher Refresher
	client    *http.Client
}

// NewForwarder builds the forwarder. timeout bounds a whole forwarded
// exchange including streaming.
func NewForwarder(upstream Upstream, recorder *usage.Recorder, refresher Refresher, timeout time.Duration) *Forwarder {
	return &Forwarder{
		upstream:  upstream,
		recorder:  recorder,
		refresher: refresher,
		client:    &http.Client{Timeout: timeout},
	}
}

// Forward proxies the request for user and returns the upstream status code,
// or an error when nothing was written to w yet (the caller renders the
// envelope). Usage capture runs at stream close and is best-effort.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, user *models.User) error {
	endpoint := f.upstream.Endpoint()
	if endpoint == "" {
		return ErrSidecarDown
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	requestModel := modelFromRequest(body)

	start := time.Now()
	resp, err := f.send(r, endpoint, body)
	if err != nil {
		f.record(user, requestModel, 0, 0, time.Since(start), models.UsageStatusError, err.Error())
		return err
	}

	// Provider credential expiry surfaces as 401/403 from the sidecar (the
	// client's own key was already verified). Refresh and replay once.
	if (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) && f.refresher != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		provider := usage.ProviderForModel(requestModel)
		if err := f.refresher.RefreshProvider(r.Context(), provider); err != nil {
			f.record(user, requestModel, 0, 0, time.Since(start), models.UsageStatusError, "credential refresh failed")
			return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		if resp, err = f.send(r, endpoint, body); err != nil {
			f.record(user, requestModel, 0, 0, time.Since(start), models.UsageStatusError, err.Error())
			return err
		}
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	tracker := newUsageTracker(resp.Header.Get("Content-Type"))
	flusher, _ := w.(http.Flusher)

	chunk := make([]byte, 32*1024)
	var streamErr error
	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			tracker.observe(chunk[:n])
			if _, werr := w.Write(chunk[:n]); werr != nil {
				streamErr = werr
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			streamErr = readErr
			break
		}
	}

	model, tokensIn, tokensOut := tracker.finish()
	if model == "" {
		model = requestModel
	}
	status := models.UsageStatusSuccess
	errMsg := ""
	if resp.StatusCode >= 400 || streamErr != nil {
		status = models.UsageStatusError
		if streamErr != nil {
			errMsg = streamErr.Error()
		} else {
			errMsg = http.StatusText(resp.StatusCode)
		}
	}
	f.record(user, model, tokensIn, tokensOut, time.Since(start), status, errMsg)
	return nil
}

// send issues one proxied request with a replayable body.
func (f *Forwarder) send(r *http.Request, endpoint string, body []byte) (*http.Response, error) {
	target := endpoint + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	for _, h := range strippedHeaders {
		req.Header.Del(h)
	}
	return f.client.Do(req)
}

// record writes the accounting row. Failures are logged for admin review
// and never propagate to the user response.
func (f *Forwarder) record(user *models.User, model string, in, out int64, elapsed time.Duration, status, errMsg string) {
	// The request context may already be canceled at stream close.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := f.recorder.Record(ctx, &models.UsageLog{
		UserID:       user.ID,
		Model:        model,
		TokensInput:  in,
		TokensOutput: out,
		DurationMS:   elapsed.Milliseconds(),
		Status:       status,
		ErrorMessage: errMsg,
	})
	if err != nil {
		log.Error().Err(err).Int64("user", user.ID).Str("model", model).
			Msg("Usage capture failed, request served without accounting")
	}
}

// modelFromRequest pulls the model field out of an OpenAI-style JSON body.
func modelFromRequest(body []byte) string {
	var payload struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Model
}
