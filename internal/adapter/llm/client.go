// Package llm implements the language-model port against any
// OpenAI-compatible chat-completions endpoint. The client owns prompt
// construction, token budgeting, and schema repair; callers receive typed
// results or a sentinel from the domain taxonomy.
package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

const (
	// promptTokenBudget caps the user prompt; larger file contents are
	// chunked and the per-chunk results merged.
	promptTokenBudget = 6000
	// maxResponseBytes guards against unbounded completion bodies.
	maxResponseBytes = 1 << 20

	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 10 * time.Second
	retryMaxElapsed      = 45 * time.Second
)

// Client talks to one OpenAI-compatible endpoint.
type Client struct {
	httpc     *http.Client
	endpoint  string
	apiKey    string
	model     string
	maxTokens int
	counter   *tokenCounter
}

var _ domain.LLMClient = (*Client)(nil)

// New builds the client from configuration. The transport is traced so LLM
// latency shows up under the enclosing job span.
func New(cfg config.Config) *Client {
	return &Client{
		httpc: &http.Client{
			Timeout:   cfg.LLMTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		endpoint:  strings.TrimRight(cfg.LLMEndpoint, "/"),
		apiKey:    cfg.LLMAPIKey,
		model:     cfg.LLMModel,
		maxTokens: cfg.LLMMaxTokens,
		counter:   newTokenCounter(),
	}
}

// ExtractPOIs asks the model for the points of interest in one file. Content
// beyond the prompt budget is analyzed chunk by chunk with line offsets
// restored on merge.
func (c *Client) ExtractPOIs(ctx domain.Context, req domain.POIExtractionRequest) ([]domain.ExtractedPOI, error) {
	chunks := c.chunk(req.Content, promptTokenBudget)
	var all []domain.ExtractedPOI
	for _, ch := range chunks {
		var env struct {
			POIs []domain.ExtractedPOI `json:"pois"`
		}
		user := extractUserPrompt(req.FilePath, ch.text, len(chunks) > 1)
		if err := c.completeJSON(ctx, "extract_pois", extractSystemPrompt, user, &env); err != nil {
			return nil, err
		}
		for _, p := range env.POIs {
			if strings.TrimSpace(p.Name) == "" {
				continue
			}
			p.StartLine += ch.firstLine - 1
			p.EndLine += ch.firstLine - 1
			all = append(all, p)
		}
	}
	return all, nil
}

// SummarizeDirectory asks for a short natural-language summary of a
// directory's files and POIs.
func (c *Client) SummarizeDirectory(ctx domain.Context, req domain.DirectorySummaryRequest) (string, error) {
	var env struct {
		Summary string `json:"summary"`
	}
	if err := c.completeJSON(ctx, "summarize_directory", summarySystemPrompt,
		summaryUserPrompt(req), &env); err != nil {
		return "", err
	}
	if strings.TrimSpace(env.Summary) == "" {
		return "", fmt.Errorf("op=llm.SummarizeDirectory: empty summary: %w", domain.ErrSchemaInvalid)
	}
	return env.Summary, nil
}

// ResolveRelationships asks for candidate edges among the given POIs at the
// requested scope.
func (c *Client) ResolveRelationships(ctx domain.Context, req domain.RelationshipRequest) ([]domain.RelationshipObservation, error) {
	var env struct {
		Relationships []domain.RelationshipObservation `json:"relationships"`
	}
	if err := c.completeJSON(ctx, "resolve_relationships", relationshipSystemPrompt,
		relationshipUserPrompt(req), &env); err != nil {
		return nil, err
	}
	out := env.Relationships[:0]
	for _, obs := range env.Relationships {
		if obs.From == "" || obs.To == "" || obs.From == obs.To {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

// ValidatePOIs asks for a per-POI plausibility verdict.
func (c *Client) ValidatePOIs(ctx domain.Context, req domain.POIValidationRequest) ([]domain.POIValidation, error) {
	var env struct {
		Validations []domain.POIValidation `json:"validations"`
	}
	if err := c.completeJSON(ctx, "validate_pois", validateSystemPrompt,
		validateUserPrompt(req), &env); err != nil {
		return nil, err
	}
	return env.Validations, nil
}

// completeJSON runs one chat call and decodes the reply into v. A reply that
// does not parse gets exactly one repair re-prompt before ErrSchemaInvalid.
func (c *Client) completeJSON(ctx domain.Context, op, system, user string, v any) error {
	content, err := c.chat(ctx, op, system, user)
	if err != nil {
		return err
	}
	firstErr := decodeJSON(content, v)
	if firstErr == nil {
		return nil
	}
	slog.Warn("llm reply failed schema, re-prompting once",
		slog.String("operation", op), slog.Any("error", firstErr))
	repaired, err := c.chat(ctx, op, system, repairPrompt(content))
	if err != nil {
		return err
	}
	if err := decodeJSON(repaired, v); err != nil {
		return fmt.Errorf("op=llm.%s: %s: %w", op, err, domain.ErrSchemaInvalid)
	}
	return nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chat posts one completion request and returns the first choice's content.
// 5xx and transport errors retry with exponential backoff; 4xx are final.
func (c *Client) chat(ctx domain.Context, op, system, user string) (string, error) {
	if c.apiKey == "" {
		return "", fmt.Errorf("op=llm.chat: LLM_API_KEY missing: %w", domain.ErrAuth)
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: 0.2,
		MaxTokens:   c.maxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("op=llm.chat encode: %w", err)
	}

	slog.Debug("llm request",
		slog.String("operation", op),
		slog.String("model", c.model),
		slog.Int("prompt_tokens", c.counter.countChat(system, user, c.model)))

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	call := func() error {
		// Recreate the request each attempt; a consumed body cannot be resent.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.endpoint+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		start := time.Now()
		resp, err := c.httpc.Do(req)
		if err != nil {
			observability.RecordLLMRequest(op, "transport_error", time.Since(start))
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			observability.RecordLLMRequest(op, "read_error", time.Since(start))
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			observability.RecordLLMRequest(op, "rate_limited", time.Since(start))
			slog.Warn("llm rate limited",
				slog.String("operation", op),
				slog.String("retry_after", resp.Header.Get("Retry-After")))
			return backoff.Permanent(&rateLimitError{
				after: parseRetryAfter(resp.Header.Get("Retry-After")),
			})
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			observability.RecordLLMRequest(op, "auth_error", time.Since(start))
			return backoff.Permanent(fmt.Errorf("op=llm.chat status %d: %w", resp.StatusCode, domain.ErrAuth))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			observability.RecordLLMRequest(op, "client_error", time.Since(start))
			slog.Warn("llm client error",
				slog.String("operation", op),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(raw, 512)))
			return backoff.Permanent(fmt.Errorf("op=llm.chat status %d: %w", resp.StatusCode, domain.ErrInvalidArgument))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			observability.RecordLLMRequest(op, "server_error", time.Since(start))
			slog.Warn("llm server error",
				slog.String("operation", op),
				slog.Int("status", resp.StatusCode),
				slog.String("body", snippet(raw, 512)))
			return fmt.Errorf("op=llm.chat status %d", resp.StatusCode)
		}

		if err := json.Unmarshal(raw, &out); err != nil {
			observability.RecordLLMRequest(op, "decode_error", time.Since(start))
			return fmt.Errorf("op=llm.chat decode: %w", err)
		}
		observability.RecordLLMRequest(op, "ok", time.Since(start))
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = retryInitialInterval
	expo.MaxInterval = retryMaxInterval
	expo.MaxElapsedTime = retryMaxElapsed
	if err := backoff.Retry(call, backoff.WithContext(expo, ctx)); err != nil {
		return "", fmt.Errorf("op=llm.chat: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("op=llm.chat: empty choices: %w", domain.ErrSchemaInvalid)
	}
	return out.Choices[0].Message.Content, nil
}

// rateLimitError carries the upstream Retry-After hint to the breaker.
type rateLimitError struct {
	after time.Duration
}

func (e *rateLimitError) Error() string {
	if e.after > 0 {
		return fmt.Sprintf("upstream rate limit, retry after %s", e.after)
	}
	return "upstream rate limit"
}

func (e *rateLimitError) Unwrap() error { return domain.ErrUpstreamRateLimit }

// RetryAfter reports the backoff the upstream asked for.
func (e *rateLimitError) RetryAfter() time.Duration { return e.after }

// parseRetryAfter reads the Retry-After header in either seconds or
// HTTP-date form. Zero means no usable hint.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}
