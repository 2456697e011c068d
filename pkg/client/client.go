// Package client is a Go client for the validation API. It consumes the query
// event stream, keeps partial model responses as they arrive and drives the
// validation state machine.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/consensus-ai/backend/internal/sse"
	"github.com/consensus-ai/backend/internal/storage/models"
)

var ErrIncompleteStream = errors.New("stream ended before completion")

// APIError is a non-2xx response other than the quota limit.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type QueryRequest struct {
	Prompt               string `json:"prompt"`
	RiskPreference       int    `json:"riskPreference"`
	CreativityPreference int    `json:"creativityPreference"`
	Streaming            bool   `json:"streaming"`
}

type EvaluateRequest struct {
	GPTResponse         *models.ModelResponse `json:"gptResponse"`
	GeminiProResponse   *models.ModelResponse `json:"geminiProResponse"`
	GeminiFlashResponse *models.ModelResponse `json:"geminiFlashResponse"`
	UserPreferences     models.Preferences    `json:"userPreferences"`
	Prompt              string                `json:"prompt"`
	SaveToHistory       bool                  `json:"saveToHistory"`
	IsPremium           bool                  `json:"isPremium"`
}

// Handlers observe a validation run. Nil handlers are skipped.
type Handlers struct {
	OnStateChange   func(from, to State)
	OnModelComplete func(modelID string, resp *models.ModelResponse)
	OnLimitReached  func(info models.LimitReachedInfo)
}

// Run is the client-side state of one validation request.
type Run struct {
	machine  *Machine
	handlers Handlers

	mu      sync.Mutex
	partial map[string]*models.ModelResponse
	limit   *models.LimitReachedInfo
}

func NewRun(h Handlers) *Run {
	return &Run{
		machine:  NewMachine(h.OnStateChange),
		handlers: h,
		partial:  make(map[string]*models.ModelResponse),
	}
}

func (r *Run) State() State {
	return r.machine.State()
}

// PartialResponses returns the model responses received so far.
func (r *Run) PartialResponses() map[string]*models.ModelResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]*models.ModelResponse, len(r.partial))
	for k, v := range r.partial {
		out[k] = v
	}
	return out
}

// LimitReached returns the quota signal when the run was stopped by it.
func (r *Run) LimitReached() *models.LimitReachedInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit
}

func (r *Run) fail(err error) error {
	_ = r.machine.Transition(StateError)
	return err
}

func (r *Run) modelComplete(modelID string, resp *models.ModelResponse) error {
	r.mu.Lock()
	_, seen := r.partial[modelID]
	r.partial[modelID] = resp
	r.mu.Unlock()

	if !seen {
		if st, ok := ModelState(modelID); ok {
			if err := r.machine.Transition(st); err != nil {
				return err
			}
		}
	}
	if r.handlers.OnModelComplete != nil {
		r.handlers.OnModelComplete(modelID, resp)
	}
	return nil
}

func (r *Run) limitReached(info models.LimitReachedInfo) {
	r.mu.Lock()
	r.limit = &info
	r.mu.Unlock()

	if r.handlers.OnLimitReached != nil {
		r.handlers.OnLimitReached(info)
	}
}

// Query streams the three model responses. When the daily limit is reached
// it returns (nil, nil) after calling OnLimitReached; the run is left in
// querying_models.
func (c *Client) Query(ctx context.Context, run *Run, req QueryRequest) (*models.QueryResult, error) {
	if err := run.machine.Transition(StateQueryingModels); err != nil {
		return nil, err
	}

	req.Streaming = true
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/validations/query", req, "text/event-stream")
	if err != nil {
		return nil, run.fail(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		if info, ok := decodeLimit(resp.Body); ok {
			run.limitReached(info)
			return nil, nil
		}
		return nil, run.fail(&APIError{StatusCode: resp.StatusCode, Message: "rate limited"})
	}
	if resp.StatusCode != http.StatusOK {
		return nil, run.fail(decodeError(resp))
	}

	result, err := c.consume(resp.Body, run)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, run.fail(err)
	}
	return result, nil
}

func (c *Client) consume(body io.Reader, run *Run) (*models.QueryResult, error) {
	parser := sse.NewParser()
	buf := make([]byte, 4096)

	handle := func(frames []sse.Frame) (*models.QueryResult, error) {
		for _, f := range frames {
			switch f.Event {
			case sse.EventModelComplete:
				var payload struct {
					Model    string                `json:"model"`
					Response *models.ModelResponse `json:"response"`
				}
				if err := json.Unmarshal(f.Data, &payload); err != nil || payload.Response == nil {
					continue
				}
				if err := run.modelComplete(payload.Model, payload.Response); err != nil {
					return nil, err
				}
			case sse.EventComplete:
				var result models.QueryResult
				if err := json.Unmarshal(f.Data, &result); err != nil {
					continue
				}
				return &result, nil
			}
		}
		return nil, nil
	}

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			frames, err := parser.Feed(buf[:n])
			if result, herr := handle(frames); herr != nil || result != nil {
				return result, herr
			}
			if err != nil {
				return nil, err
			}
		}
		if readErr == io.EOF {
			frames, err := parser.Flush()
			if result, herr := handle(frames); herr != nil || result != nil {
				return result, herr
			}
			if err != nil {
				return nil, err
			}
			return nil, ErrIncompleteStream
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read stream: %w", readErr)
		}
	}
}

// Evaluate runs the meta-evaluator over three model responses.
func (c *Client) Evaluate(ctx context.Context, req EvaluateRequest) (*models.EvaluationResponse, error) {
	var out models.EvaluationResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/validations/evaluate", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Validate queries the models and evaluates their responses. A reached limit
// returns (nil, nil) with the run's LimitReached set.
func (c *Client) Validate(ctx context.Context, run *Run, req QueryRequest, saveToHistory bool) (*models.ValidationResult, error) {
	queried, err := c.Query(ctx, run, req)
	if err != nil || queried == nil {
		return nil, err
	}

	if err := run.machine.Transition(StateEvaluating); err != nil {
		return nil, run.fail(err)
	}

	prefs := models.Preferences{RiskPreference: req.RiskPreference, CreativityPreference: req.CreativityPreference}.Normalize()
	eval, err := c.Evaluate(ctx, EvaluateRequest{
		GPTResponse:         queried.GPTResponse,
		GeminiProResponse:   queried.GeminiProResponse,
		GeminiFlashResponse: queried.GeminiFlashResponse,
		UserPreferences:     prefs,
		Prompt:              req.Prompt,
		SaveToHistory:       saveToHistory,
		IsPremium:           queried.IsPremium,
	})
	if err != nil {
		return nil, run.fail(err)
	}

	if err := run.machine.Transition(StateComplete); err != nil {
		return nil, err
	}

	return &models.ValidationResult{
		ValidationID:        eval.ValidationID,
		Prompt:              req.Prompt,
		UserPreferences:     prefs,
		GPTResponse:         queried.GPTResponse,
		GeminiProResponse:   queried.GeminiProResponse,
		GeminiFlashResponse: queried.GeminiFlashResponse,
		Synthesis:           eval.Synthesis,
		IsPremium:           eval.IsPremium,
		ProcessingTimeMs:    eval.ProcessingTimeMs,
		CreatedAt:           time.Now(),
	}, nil
}

func (c *Client) History(ctx context.Context, limit int) ([]models.ValidationSummary, error) {
	path := "/api/v1/validations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var out struct {
		Validations []models.ValidationSummary `json:"validations"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Validations, nil
}

func (c *Client) Get(ctx context.Context, id string) (*models.ValidationResult, error) {
	var out models.ValidationResult
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/validations/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/v1/validations/"+url.PathEscape(id), nil, nil)
}

type QuotaStatus struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	IsPremium bool      `json:"isPremium"`
}

func (c *Client) Quota(ctx context.Context) (*QuotaStatus, error) {
	var out QuotaStatus
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/quota", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, accept string) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", accept)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeLimit(body io.Reader) (models.LimitReachedInfo, bool) {
	var payload struct {
		Error     string    `json:"error"`
		IsPremium bool      `json:"isPremium"`
		ResetAt   time.Time `json:"resetAt"`
	}
	if err := json.NewDecoder(body).Decode(&payload); err != nil || payload.Error != models.LimitReachedCode {
		return models.LimitReachedInfo{}, false
	}
	return models.LimitReachedInfo{LimitReached: true, IsPremium: payload.IsPremium, ResetAt: payload.ResetAt}, true
}

func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	if payload.Error == "" {
		payload.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: payload.Error}
}
