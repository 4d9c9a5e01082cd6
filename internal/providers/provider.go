// Package providers declares the adapter surface for external capability
// backends (reasoning, codegen, ml-inference) the orchestrator dispatches
// tasks to. No concrete AI SDK is wired in here: every provider is an HTTP
// collaborator, following the
// reference HTTPTaskExecutor's connection-pooled client and traced-request
// pattern.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskorch/orchestrator/internal/model"
	"github.com/taskorch/orchestrator/internal/workerpool"
)

// Provider executes one capability call against an external backend and
// returns its raw JSON result payload.
type Provider interface {
	Capability() string
	Invoke(ctx context.Context, params map[string]any) (map[string]any, error)
}

// HTTPProvider is a Provider backed by a single JSON-over-HTTP endpoint.
// It covers the reasoning/codegen/ml-inference capability families named in
// the task catalog: all three are, from the orchestrator's point of view,
// "POST params, get back a result payload" collaborators.
type HTTPProvider struct {
	capability string
	endpoint   string
	client     *http.Client
	tracer     trace.Tracer
	headers    map[string]string
}

// Option configures an HTTPProvider.
type Option func(*HTTPProvider)

// WithHeader sets a static header (e.g. an API key) on every request.
func WithHeader(key, value string) Option {
	return func(p *HTTPProvider) { p.headers[key] = value }
}

// WithHTTPClient overrides the default pooled client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *HTTPProvider) { p.client = client }
}

// WithTracer overrides the default no-op tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *HTTPProvider) { p.tracer = tracer }
}

// NewHTTPProvider builds a provider for capability, posting params as JSON
// to endpoint.
func NewHTTPProvider(capability, endpoint string, opts ...Option) *HTTPProvider {
	p := &HTTPProvider{
		capability: capability,
		endpoint:   endpoint,
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		tracer:  trace.NewNoopTracerProvider().Tracer("providers"),
		headers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *HTTPProvider) Capability() string { return p.capability }

// Invoke posts params to the provider endpoint and decodes the JSON
// response body as the result payload.
func (p *HTTPProvider) Invoke(ctx context.Context, params map[string]any) (map[string]any, error) {
	ctx, span := p.tracer.Start(ctx, "provider.invoke",
		trace.WithAttributes(attribute.String("capability", p.capability), attribute.String("endpoint", p.endpoint)))
	defer span.End()

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("providers: marshal params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("providers: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("providers: %s request failed: %w", p.capability, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("providers: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("providers: %s returned status %d: %s", p.capability, resp.StatusCode, string(respBody))
	}

	var out map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("providers: decode response: %w", err)
		}
	}
	return out, nil
}

// Registry resolves a capability name to its Provider.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Capability()] = p
}

func (r *Registry) Lookup(capability string) (Provider, bool) {
	p, ok := r.providers[capability]
	return p, ok
}

// Handler adapts a Provider into a workerpool.Handler: the task's params
// become the provider call's params, and the provider's result payload
// becomes the task's result payload. reporter is unused since HTTP
// providers are single-shot calls with no mid-run checkpoint.
func Handler(p Provider) func(ctx context.Context, task *model.Task, reporter workerpool.ProgressReporter) (map[string]any, error) {
	return func(ctx context.Context, task *model.Task, _ workerpool.ProgressReporter) (map[string]any, error) {
		return p.Invoke(ctx, task.Params)
	}
}
