package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/rewrite"
	"github.com/eugener/gandalf/internal/secrets"
	"github.com/eugener/gandalf/internal/sse"
	"github.com/eugener/gandalf/internal/upstream"
)

// maxUpstreamBody caps how much of a non-streaming upstream response is
// read into memory, guarding against a misbehaving provider.
const maxUpstreamBody = 32 << 20

// handleResponses is the main completion path: it resolves a session key,
// selects a provider, rewrites the request body for that provider's shape
// and capabilities, forwards it upstream, and relays the result back to the
// client either verbatim (SSE) or synthesized into SSE from a single JSON
// response.
func (s *server) handleResponses(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.touchActivity(ctx)

	raw, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		s.logEvent(ctx, gateway.LevelWarning, "request.invalid_json", "", "invalid request body")
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body"))
		return
	}

	wantStream, _ := body["stream"].(bool)
	key := sessionKey(r, body)
	priorRoute, hadPrior := s.deps.Router.LastUsed(key)

	decision := s.deps.Router.DecideProvider(s.deps.Routing, key, s.quotaOK(ctx), s.quotaConfirmed(ctx))
	if decision.Provider == "" {
		s.logEvent(ctx, gateway.LevelError, "routing.no_provider", "", "no routable provider")
		writeJSON(w, http.StatusBadGateway, errorResponse("no routable provider available"))
		return
	}
	providerName := decision.Provider

	client, err := s.deps.Upstreams.Get(providerName)
	if err != nil {
		s.logEvent(ctx, gateway.LevelError, "routing.unregistered_provider", providerName, err.Error())
		writeJSON(w, http.StatusBadGateway, errorResponse("no routable provider available"))
		return
	}

	switched := hadPrior && priorRoute.Provider != "" && priorRoute.Provider != providerName
	cachedUnsupported := s.deps.Capabilities != nil && s.deps.Capabilities.IsUnsupported(providerName, "previous_response_id")
	if prevID, _ := body["previous_response_id"].(string); prevID != "" && (switched || cachedUnsupported) {
		s.rebuildHistoryNow(body, key, prevID)
	}
	if s.deps.Capabilities != nil {
		body = s.deps.Capabilities.DropUnsupportedParams(providerName, body)
	}
	if rewrite.PreferSimpleShape(upstreamHost(client.Config.BaseURL)) {
		dropToolItems(body)
	}

	timeout := time.Duration(s.deps.Routing.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	setAuth := s.upstreamAuth(providerName, r.Header.Get("Authorization"))

	resp, cancel, err := s.sendWithRetry(ctx, client, providerName, body, setAuth, wantStream, timeout, key)
	defer cancel()
	if err != nil {
		s.deps.Router.RecordFailure(providerName, s.deps.Routing, err)
		s.logEvent(ctx, gateway.LevelError, "upstream.request_failed", providerName,
			upstream.FormatForLog(err)+" url="+upstream.RedactURL(client.Config.BaseURL))
		writeJSON(w, http.StatusBadGateway, errorResponse("upstream request failed"))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := upstream.ParseAPIError(providerName, resp)
		if upstream.CountsAsFailure(apiErr) {
			s.deps.Router.RecordFailure(providerName, s.deps.Routing, apiErr)
		}
		s.logEvent(ctx, gateway.LevelError, "upstream.error_response", providerName, upstream.FormatForLog(apiErr))
		writeJSON(w, http.StatusBadGateway, errorResponse("upstream request failed"))
		return
	}

	s.deps.Router.RecordSuccess(providerName)
	providerKey := ""
	if s.deps.Secrets != nil {
		providerKey = s.deps.Secrets.ProviderKey(providerName)
	}
	apiKeyRef := secrets.MaskAPIKey(providerKey)

	requestedModel, _ := body["model"].(string)

	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "text/event-stream"):
		sse.WriteHeaders(w)
		tap := sse.NewTap(func(data []byte) {
			s.recordUsage(providerName, apiKeyRef, data)
		}).OnCreated(func(data []byte) {
			s.checkModelMismatch(ctx, providerName, requestedModel, responseModel(data))
		})
		if err := tap.Relay(w, resp.Body); err != nil && ctx.Err() == nil {
			s.deps.Router.RecordFailure(providerName, s.deps.Routing, err)
			s.logEvent(ctx, gateway.LevelError, "upstream.stream_read_error", providerName, err.Error())
		}
	default:
		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
		if err != nil {
			s.logEvent(ctx, gateway.LevelError, "upstream.read_error", providerName, err.Error())
			writeJSON(w, http.StatusBadGateway, errorResponse("upstream request failed"))
			return
		}
		s.recordUsage(providerName, apiKeyRef, respBody)
		if wantStream {
			sse.SynthesizeFromJSON(w, respBody)
			return
		}
		w.Header()["Content-Type"] = jsonCT
		w.WriteHeader(http.StatusOK)
		w.Write(respBody)
	}
}

// checkModelMismatch compares the model the client requested against the
// model reported in a response.created event, logging once per request if
// the provider silently served a different model than asked for.
func (s *server) checkModelMismatch(ctx context.Context, providerName, requested, served string) {
	requested = strings.TrimSpace(requested)
	served = strings.TrimSpace(served)
	if requested == "" || served == "" || strings.EqualFold(requested, served) {
		return
	}
	s.logEvent(ctx, gateway.LevelWarning, "response.model_mismatch", providerName,
		fmt.Sprintf("requested model %q, upstream served %q", requested, served))
}

func (s *server) recordUsage(providerName, apiKeyRef string, data []byte) {
	if s.deps.Usage == nil {
		return
	}
	input, output, total, cacheCreate, cacheRead := extractUsageTokens(data)
	s.deps.Usage.Record(gateway.UsageRecord{
		Provider:                 providerName,
		APIKeyRef:                apiKeyRef,
		Model:                    responseModel(data),
		Origin:                   gateway.OriginUnknown,
		InputTokens:              input,
		OutputTokens:             output,
		TotalTokens:              total,
		CacheCreationInputTokens: cacheCreate,
		CacheReadInputTokens:     cacheRead,
	})
}

// upstreamAuth decides the Authorization header sent upstream: a
// provider-specific key from the secret store takes priority; otherwise the
// client's own header passes through unchanged, unless it is exactly the
// gateway's own shared token, which is always stripped.
func (s *server) upstreamAuth(providerName, clientAuthHeader string) func(http.Header) {
	providerKey := ""
	if s.deps.Secrets != nil {
		providerKey = s.deps.Secrets.ProviderKey(providerName)
	}
	gatewayToken := ""
	if s.deps.Secrets != nil {
		gatewayToken = s.deps.Secrets.GatewayToken()
	}
	return func(h http.Header) {
		if providerKey != "" {
			h.Set("Authorization", "Bearer "+providerKey)
			return
		}
		if clientAuthHeader == "" {
			return
		}
		if gatewayToken != "" && clientAuthHeader == "Bearer "+gatewayToken {
			return
		}
		h.Set("Authorization", clientAuthHeader)
	}
}

// rebuildHistoryNow drops previous_response_id from body and, when a
// session journal is configured and found, replaces body["input"] with the
// reconstructed conversation history plus whatever new items the client
// sent that aren't already the tail of that history.
func (s *server) rebuildHistoryNow(body map[string]any, key, prevID string) {
	delete(body, "previous_response_id")
	if s.deps.SessionsDir == "" {
		return
	}
	path := rewrite.FindSessionFile(s.deps.SessionsDir, key)
	if path == "" {
		return
	}
	prior, err := rewrite.RebuildInputFromPreviousResponse(path, prevID)
	if err != nil || len(prior) == 0 {
		return
	}
	current, _ := body["input"].([]any)
	body["input"] = mergeSessionHistory(prior, current)
}

// sendWithRetry forwards body upstream once; if the response is a 4xx/5xx
// naming previous_response_id as an unsupported parameter, it caches that
// finding, rebuilds history in its place, and retries exactly once.
func (s *server) sendWithRetry(ctx context.Context, client *upstream.Client, providerName string,
	body map[string]any, setAuth func(http.Header), wantStream bool, timeout time.Duration, key string,
) (*http.Response, context.CancelFunc, error) {
	resp, cancel, err := s.doUpstream(ctx, client, body, setAuth, wantStream, timeout)
	if err != nil {
		return nil, cancel, err
	}
	if resp.StatusCode < 400 {
		return resp, cancel, nil
	}
	prevID, _ := body["previous_response_id"].(string)
	if prevID == "" {
		return resp, cancel, nil
	}
	apiErr := upstream.ParseAPIError(providerName, resp)
	resp.Body.Close()
	cancel()
	if !looksLikeUnsupportedParam(apiErr.Error()) {
		return nil, func() {}, apiErr
	}
	if s.deps.Capabilities != nil {
		s.deps.Capabilities.MarkUnsupported(providerName, "previous_response_id")
	}
	s.rebuildHistoryNow(body, key, prevID)
	return s.doUpstream(ctx, client, body, setAuth, wantStream, timeout)
}

// looksLikeUnsupportedParam reports whether an upstream error message
// indicates it rejected previous_response_id as an unrecognized parameter,
// as opposed to any other kind of 4xx/5xx failure.
func looksLikeUnsupportedParam(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "previous_response_id") {
		return false
	}
	for _, marker := range []string{"unsupported", "not supported", "unknown parameter", "unrecognized"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// doUpstream builds and sends one request for body. For a streaming call
// the returned cancel func is wired to an idle-timeout reader on the
// response body (no total deadline, but the connection is torn down after
// timeout with no bytes); for a non-streaming call it's a plain
// context.WithTimeout. The caller must always call cancel once done.
func (s *server) doUpstream(ctx context.Context, client *upstream.Client, body map[string]any,
	setAuth func(http.Header), wantStream bool, timeout time.Duration,
) (*http.Response, context.CancelFunc, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, func() {}, fmt.Errorf("marshal request: %w", err)
	}

	var reqCtx context.Context
	var cancel context.CancelFunc
	if wantStream {
		reqCtx, cancel = context.WithCancel(ctx)
	} else {
		reqCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	targetURL := joinUpstreamURL(client.Config.BaseURL, "v1/responses")
	outReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, targetURL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, func() {}, err
	}
	outReq.Header.Set("Content-Type", "application/json")
	outReq.Header.Set("Accept", "application/json, text/event-stream")
	setAuth(outReq.Header)

	resp, err := client.HTTPClient.Do(outReq)
	if err != nil {
		cancel()
		return nil, func() {}, err
	}
	if wantStream {
		resp.Body = newIdleTimeoutBody(resp.Body, timeout, cancel)
	}
	return resp, cancel, nil
}

// idleTimeoutBody wraps an SSE response body so cancel fires if no bytes
// arrive for d, re-armed on every read -- the "no total timeout, idle
// timeout between bytes" contract for streaming upstream calls.
type idleTimeoutBody struct {
	io.ReadCloser
	timer *time.Timer
	d     time.Duration
}

func newIdleTimeoutBody(body io.ReadCloser, d time.Duration, onIdle func()) *idleTimeoutBody {
	b := &idleTimeoutBody{ReadCloser: body, d: d}
	b.timer = time.AfterFunc(d, onIdle)
	return b
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.timer.Reset(b.d)
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	b.timer.Stop()
	return b.ReadCloser.Close()
}
