package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/codegraph/internal/breaker"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

const defaultFallbackTTL = time.Hour

// GuardedLLM routes every model call through the LLM circuit breaker and,
// while the breaker refuses traffic, serves the last cached response for the
// identical request instead. Live responses refresh the cache best-effort;
// a refused call with no cached twin keeps the breaker's refusal.
type GuardedLLM struct {
	inner domain.LLMClient
	br    *breaker.Breaker
	cache domain.Cache
	ttl   time.Duration
}

// NewGuardedLLM wires the guard. cache may be nil, which disables fallback.
func NewGuardedLLM(inner domain.LLMClient, br *breaker.Breaker, cache domain.Cache, ttl time.Duration) *GuardedLLM {
	if ttl <= 0 {
		ttl = defaultFallbackTTL
	}
	return &GuardedLLM{inner: inner, br: br, cache: cache, ttl: ttl}
}

// ExtractPOIs implements domain.LLMClient.
func (g *GuardedLLM) ExtractPOIs(ctx domain.Context, req domain.POIExtractionRequest) ([]domain.ExtractedPOI, error) {
	var out []domain.ExtractedPOI
	err := g.guard(ctx, requestKey("extract", req), &out, func(ctx domain.Context) error {
		res, err := g.inner.ExtractPOIs(ctx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// SummarizeDirectory implements domain.LLMClient.
func (g *GuardedLLM) SummarizeDirectory(ctx domain.Context, req domain.DirectorySummaryRequest) (string, error) {
	var out string
	err := g.guard(ctx, requestKey("summarize", req), &out, func(ctx domain.Context) error {
		res, err := g.inner.SummarizeDirectory(ctx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// ResolveRelationships implements domain.LLMClient.
func (g *GuardedLLM) ResolveRelationships(ctx domain.Context, req domain.RelationshipRequest) ([]domain.RelationshipObservation, error) {
	var out []domain.RelationshipObservation
	err := g.guard(ctx, requestKey("resolve", req), &out, func(ctx domain.Context) error {
		res, err := g.inner.ResolveRelationships(ctx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// ValidatePOIs implements domain.LLMClient.
func (g *GuardedLLM) ValidatePOIs(ctx domain.Context, req domain.POIValidationRequest) ([]domain.POIValidation, error) {
	var out []domain.POIValidation
	err := g.guard(ctx, requestKey("validate", req), &out, func(ctx domain.Context) error {
		res, err := g.inner.ValidatePOIs(ctx, req)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// guard runs live under the breaker. live must leave its result where result
// points before returning nil; the fallback unmarshals a cached response into
// the same location.
func (g *GuardedLLM) guard(ctx domain.Context, key string, result any, live func(ctx domain.Context) error) error {
	return g.br.ExecuteWithFallback(ctx,
		func(ctx domain.Context) error {
			if err := live(ctx); err != nil {
				return err
			}
			g.refresh(ctx, key, result)
			return nil
		},
		func(ctx domain.Context) error {
			if g.cache == nil {
				return fmt.Errorf("op=handlers.guard: no fallback cache: %w", domain.ErrNotFound)
			}
			hit, err := g.cache.GetJSON(ctx, key, result)
			if err != nil {
				return err
			}
			if !hit {
				return fmt.Errorf("op=handlers.guard: no cached response for %s: %w", key, domain.ErrNotFound)
			}
			slog.Info("llm response served from fallback cache",
				slog.String("breaker", g.br.Name()),
				slog.String("key", key))
			return nil
		})
}

func (g *GuardedLLM) refresh(ctx domain.Context, key string, result any) {
	if g.cache == nil {
		return
	}
	if err := g.cache.SetJSON(ctx, key, result, g.ttl); err != nil {
		slog.Debug("llm fallback cache refresh failed",
			slog.String("key", key),
			slog.Any("error", err))
	}
}

// requestKey derives a stable cache key from the full request body, so only
// a byte-identical request can be served a cached response.
func requestKey(op string, req any) string {
	raw, err := json.Marshal(req)
	if err != nil {
		return "llm:" + op + ":unkeyed"
	}
	sum := sha256.Sum256(raw)
	return "llm:" + op + ":" + hex.EncodeToString(sum[:16])
}
