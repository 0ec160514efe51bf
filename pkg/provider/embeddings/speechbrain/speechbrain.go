// Package speechbrain provides a speaker-embedding provider backed by an HTTP
// inference service running a SpeechBrain speaker-verification model.
//
// The service exposes:
//
//	POST /extract-embedding         {"audio_path", "apply_preprocessing"}
//	POST /batch-extract-embeddings  {"audio_paths"}
//	GET  /health
//
// and answers with 192-dimensional ECAPA-TDNN embeddings by default. The
// audio path must be readable by the service, so Vigil and the service share
// the spool directory.
//
// Example usage:
//
//	p, err := speechbrain.New("http://embedder:5001", speechbrain.WithTimeout(10*time.Second))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	emb, err := p.Extract(ctx, "/spool/utt-1.wav")
package speechbrain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/vigil/pkg/provider/embeddings"
)

// DefaultBaseURL is the default base URL for a locally running service.
const DefaultBaseURL = "http://localhost:5001"

// DefaultModel is the model the reference service loads.
const DefaultModel = "speechbrain/spkrec-ecapa-voxceleb"

// Ensure Provider implements the embeddings interfaces at compile time.
var (
	_ embeddings.BatchProvider = (*Provider)(nil)
	_ embeddings.HealthChecker = (*Provider)(nil)
)

// Provider implements embeddings.BatchProvider over HTTP.
//
// Dimension resolution happens in this order:
//  1. Value supplied via WithDimensions option (highest priority).
//  2. Look-up in the built-in knownDimensions table for recognised model names.
//  3. The length of the first successfully decoded vector.
//
// Provider is safe for concurrent use.
type Provider struct {
	baseURL       string
	model         string
	preprocessing bool
	httpClient    *http.Client
	dimensions    int
}

// config holds optional configuration collected from functional options.
type config struct {
	timeout       time.Duration
	dimensions    int
	model         string
	preprocessing bool
	client        *http.Client
}

// Option is a functional option for Provider.
type Option func(*config)

// WithTimeout sets a per-request HTTP timeout on the underlying HTTP client.
// A zero or negative value means no timeout (the default); callers usually
// bound requests through the context instead.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions pre-sets the embedding dimension. Responses of any other
// length are rejected as malformed.
func WithDimensions(dims int) Option {
	return func(c *config) {
		c.dimensions = dims
	}
}

// WithModel sets the model identifier reported by ModelID and attached to
// vectors when the service omits the "model" field.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithPreprocessing asks the service to apply its energy-VAD trimming and
// normalisation before embedding.
func WithPreprocessing(on bool) Option {
	return func(c *config) {
		c.preprocessing = on
	}
}

// WithHTTPClient replaces the HTTP client. WithTimeout still applies.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.client = hc
	}
}

// New constructs a new Provider.
//
// baseURL is the base URL of the service. If empty, DefaultBaseURL is used. A
// trailing slash is stripped automatically.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("speechbrain embeddings: base URL %q must be http(s)", baseURL)
	}

	cfg := &config{model: DefaultModel}
	for _, o := range opts {
		o(cfg)
	}

	httpClient := cfg.client
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.timeout > 0 {
		httpClient.Timeout = cfg.timeout
	}

	p := &Provider{
		baseURL:       baseURL,
		model:         cfg.model,
		preprocessing: cfg.preprocessing,
		httpClient:    httpClient,
		dimensions:    cfg.dimensions,
	}
	if p.dimensions == 0 {
		p.dimensions = knownDimensions(p.model)
	}
	return p, nil
}

type extractRequest struct {
	AudioPath          string `json:"audio_path"`
	ApplyPreprocessing bool   `json:"apply_preprocessing"`
}

type extractResponse struct {
	Success   bool      `json:"success"`
	Embedding []float32 `json:"embedding"`
	Dimension int       `json:"dimension"`
	Model     string    `json:"model"`
	Error     string    `json:"error"`
}

type batchRequest struct {
	AudioPaths []string `json:"audio_paths"`
}

type batchResponse struct {
	Success    bool `json:"success"`
	Embeddings []struct {
		Index     int       `json:"index"`
		AudioPath string    `json:"audio_path"`
		Embedding []float32 `json:"embedding"`
	} `json:"embeddings"`
	Errors []struct {
		Index     int    `json:"index"`
		AudioPath string `json:"audio_path"`
		Error     string `json:"error"`
	} `json:"errors"`
	Model string `json:"model"`
	Error string `json:"error"`
}

type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Extract implements embeddings.Provider.
func (p *Provider) Extract(ctx context.Context, audioPath string) (embeddings.Embedding, error) {
	var resp extractResponse
	err := p.post(ctx, "/extract-embedding", extractRequest{
		AudioPath:          audioPath,
		ApplyPreprocessing: p.preprocessing,
	}, &resp)
	if err != nil {
		return embeddings.Embedding{}, fmt.Errorf("speechbrain embeddings: extract: %w", err)
	}
	if !resp.Success {
		return embeddings.Embedding{}, fmt.Errorf("speechbrain embeddings: extract: %w: %s", embeddings.ErrRejected, resp.Error)
	}
	emb, err := p.embedding(resp.Embedding, resp.Model)
	if err != nil {
		return embeddings.Embedding{}, fmt.Errorf("speechbrain embeddings: extract: %w", err)
	}
	return emb, nil
}

// ExtractBatch implements embeddings.BatchProvider.
//
// Passing an empty slice returns (nil, nil) without issuing any network
// request.
func (p *Provider) ExtractBatch(ctx context.Context, audioPaths []string) ([]embeddings.BatchItem, error) {
	if len(audioPaths) == 0 {
		return nil, nil
	}
	var resp batchResponse
	if err := p.post(ctx, "/batch-extract-embeddings", batchRequest{AudioPaths: audioPaths}, &resp); err != nil {
		return nil, fmt.Errorf("speechbrain embeddings: extract batch: %w", err)
	}

	items := make([]embeddings.BatchItem, len(audioPaths))
	for i, path := range audioPaths {
		items[i] = embeddings.BatchItem{
			Index:     i,
			AudioPath: path,
			Err:       fmt.Errorf("%w: no result for item", embeddings.ErrMalformedResponse),
		}
	}
	for _, e := range resp.Embeddings {
		if e.Index < 0 || e.Index >= len(items) {
			continue
		}
		emb, err := p.embedding(e.Embedding, resp.Model)
		items[e.Index].Embedding = emb
		items[e.Index].Err = err
	}
	for _, e := range resp.Errors {
		if e.Index < 0 || e.Index >= len(items) {
			continue
		}
		items[e.Index].Embedding = embeddings.Embedding{}
		items[e.Index].Err = fmt.Errorf("%w: %s", embeddings.ErrRejected, e.Error)
	}
	return items, nil
}

// Ping implements embeddings.HealthChecker. The service reports
// "initializing" with status 503 while its model loads.
func (p *Provider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("speechbrain embeddings: ping: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("speechbrain embeddings: ping: %w", err)
	}
	defer resp.Body.Close()

	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("speechbrain embeddings: ping: decode: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !h.ModelLoaded {
		return fmt.Errorf("speechbrain embeddings: ping: service %s (status %d)", h.Status, resp.StatusCode)
	}
	return nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

func (p *Provider) embedding(values []float32, model string) (embeddings.Embedding, error) {
	if len(values) == 0 {
		return embeddings.Embedding{}, fmt.Errorf("%w: empty embedding", embeddings.ErrMalformedResponse)
	}
	if p.dimensions != 0 && len(values) != p.dimensions {
		return embeddings.Embedding{}, fmt.Errorf("%w: got %d dimensions, want %d",
			embeddings.ErrMalformedResponse, len(values), p.dimensions)
	}
	if model == "" {
		model = p.model
	}
	return embeddings.Embedding{Values: values, Model: model}, nil
}

// post sends a JSON request and decodes the JSON response into out. Client
// errors (4xx) are reported as [embeddings.ErrRejected] with the service's
// error message.
func (p *Provider) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(raw, &e)
		return fmt.Errorf("%w: status %d: %s", embeddings.ErrRejected, resp.StatusCode, e.Error)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", embeddings.ErrMalformedResponse, err)
	}
	return nil
}

// knownDimensions returns the output dimension for recognised SpeechBrain
// speaker models. Returns 0 for unknown models, in which case any vector
// length is accepted.
func knownDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "ecapa"):
		return 192
	case strings.Contains(lower, "xvect"):
		return 512
	case strings.Contains(lower, "resnet"):
		return 256
	default:
		return 0
	}
}
