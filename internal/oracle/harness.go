package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	// DefaultQuotaBackoff is the wait after a quota error that carries no hint.
	DefaultQuotaBackoff = 25 * time.Second
	// MaxQuotaBackoff caps any hinted wait.
	MaxQuotaBackoff = 30 * time.Second
)

// Request is one logical generation across an ordered list of models.
type Request struct {
	Prompt          string
	Models          []string
	Temperature     float64
	MaxOutputTokens int
}

// Response is the first usable answer.
type Response struct {
	Text     string
	Model    string
	Attempts int
}

// HarnessConfig tunes the fallback loop.
type HarnessConfig struct {
	DefaultBackoff    time.Duration
	MaxBackoff        time.Duration
	PromptTokenBudget int // 0 disables the warning
	RequestsPerMinute int // 0 disables client-side throttling
}

// Harness walks a model list until one model returns non-empty text.
// It is shared by extraction, clustering and content generation.
type Harness struct {
	caller  Caller
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
	cfg     HarnessConfig
}

// NewHarness creates a harness around caller.
func NewHarness(caller Caller, cfg HarnessConfig) *Harness {
	if cfg.DefaultBackoff <= 0 {
		cfg.DefaultBackoff = DefaultQuotaBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = MaxQuotaBackoff
	}
	h := &Harness{
		caller: caller,
		sleep:  sleepContext,
		cfg:    cfg,
	}
	if cfg.RequestsPerMinute > 0 {
		h.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return h
}

// Generate tries req.Models in order. The first non-empty answer wins.
// Rate-limited models cost a backoff before the next model is tried; any
// other failure is returned immediately.
func (h *Harness) Generate(ctx context.Context, req Request) (*Response, error) {
	if len(req.Models) == 0 {
		return nil, fmt.Errorf("oracle: no models configured")
	}

	tokens := EstimateTokens(req.Prompt)
	if h.cfg.PromptTokenBudget > 0 && tokens > h.cfg.PromptTokenBudget {
		log.Warn().
			Int("tokens", tokens).
			Int("budget", h.cfg.PromptTokenBudget).
			Msg("Oracle prompt exceeds token budget")
	}

	genCfg := GenerationConfig{Temperature: req.Temperature, MaxOutputTokens: req.MaxOutputTokens}
	attempted := make([]string, 0, len(req.Models))
	last := ""

	for i, model := range req.Models {
		attempted = append(attempted, model)
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("oracle throttle: %w", err)
			}
		}
		start := time.Now()

		text, err := h.caller.Call(ctx, model, req.Prompt, genCfg)
		if err == nil {
			if strings.TrimSpace(text) != "" {
				log.Debug().
					Str("model", model).
					Int("tokens", tokens).
					Dur("latency", time.Since(start)).
					Msg("Oracle call succeeded")
				return &Response{Text: text, Model: model, Attempts: i + 1}, nil
			}
			last = fmt.Sprintf("empty response from %s", model)
			log.Warn().Str("model", model).Msg("Oracle returned empty text, trying next model")
			continue
		}

		var oerr *Error
		if !errors.As(err, &oerr) || !oerr.RateLimited() {
			return nil, err
		}

		last = oerr.Error()
		if i == len(req.Models)-1 {
			break
		}

		wait := h.backoff(oerr.RetryAfter)
		log.Warn().
			Str("model", model).
			Str("next", req.Models[i+1]).
			Dur("wait", wait).
			Msg("Oracle quota exhausted, backing off")
		if err := h.sleep(ctx, wait); err != nil {
			return nil, fmt.Errorf("oracle backoff: %w", err)
		}
	}

	return nil, &ExhaustedError{Attempted: attempted, Last: last}
}

// backoff returns min(hint, cap), or the default when there was no hint.
func (h *Harness) backoff(hint time.Duration) time.Duration {
	if hint <= 0 {
		return h.cfg.DefaultBackoff
	}
	if hint > h.cfg.MaxBackoff {
		return h.cfg.MaxBackoff
	}
	return hint
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
