package justify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/canonical"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/llm"
)

const (
	defaultTimeout  = 20 * time.Second
	defaultCacheTTL = 24 * time.Hour
	cacheKeyPrefix  = "justification:"
)

// Stage obtains a checked justification for a decision.
// It never fails: every problem is reported through the metadata.
type Stage struct {
	collab llm.Collaborator
	cache  domain.Cache
	cfg    domain.LLMConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewStage creates a justification stage. cache may be nil.
func NewStage(collab llm.Collaborator, cache domain.Cache, cfg domain.LLMConfig, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	return &Stage{
		collab: collab,
		cache:  cache,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Justify asks the collaborator to explain d, retrying on rejected output.
func (s *Stage) Justify(ctx context.Context, d *domain.PolicyDecision) (domain.MaybeJustification, domain.JustificationMeta) {
	start := s.now()
	meta := domain.JustificationMeta{GeneratedAt: start.UTC()}
	finish := func(j domain.MaybeJustification, m domain.JustificationMeta) (domain.MaybeJustification, domain.JustificationMeta) {
		m.GeneratedAt = meta.GeneratedAt
		m.Model = meta.Model
		m.Attempts = meta.Attempts
		m.Cached = meta.Cached
		m.DebugRaw = meta.DebugRaw
		m.DebugLatencyMs = s.now().Sub(start).Milliseconds()
		return j, m
	}

	if s.collab == nil {
		_, m := Validate("", &llm.ProviderError{Provider: "none", Message: "no llm collaborator configured"}, d)
		return finish(domain.NoJustification(), m)
	}
	meta.Model = s.collab.Model()

	if d == nil {
		_, m := Validate("", nil, nil)
		return finish(domain.NoJustification(), m)
	}

	input := NewPromptInput(d)
	user, err := UserPrompt(input)
	if err != nil {
		return finish(domain.NoJustification(), domain.JustificationMeta{
			Error:     err.Error(),
			ErrorKind: domain.JustificationInternal,
		})
	}

	key := s.cacheKey(input)
	if j, ok := s.lookup(ctx, key, d); ok {
		meta.Cached = true
		return finish(domain.SomeJustification(j), domain.JustificationMeta{OK: true})
	}

	req := llm.Request{
		System:      SystemPrompt,
		User:        user,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
		Input:       input,
	}

	var (
		result domain.MaybeJustification
		last   domain.JustificationMeta
	)
	for attempt := 1; attempt <= s.cfg.MaxRetries+1; attempt++ {
		meta.Attempts = attempt

		raw, callErr := s.complete(ctx, req)
		if callErr == nil && s.cfg.DebugRaw {
			meta.DebugRaw = raw
		}
		result, last = Validate(raw, callErr, d)
		if last.OK {
			s.store(ctx, key, result)
			break
		}

		s.logger.Warn("justification rejected",
			"case_id", d.CaseID,
			"attempt", attempt,
			"error_kind", string(last.ErrorKind),
			"error", last.Error,
		)
		// Collaborator failures are not retried; only rejected output is.
		if last.ErrorKind == domain.JustificationTimeout || last.ErrorKind == domain.JustificationUnavailable {
			break
		}
	}
	return finish(result, last)
}

// complete makes one collaborator call. A panicking collaborator is
// reported as a provider failure.
func (s *Stage) complete(ctx context.Context, req llm.Request) (content string, err error) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("llm collaborator panicked", "model", s.collab.Model(), "panic", rec)
			content, err = "", &llm.ProviderError{
				Provider: s.collab.Model(),
				Message:  fmt.Sprintf("collaborator panicked: %v", rec),
			}
		}
	}()

	resp, err := s.collab.Complete(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && !llm.IsTimeout(err) {
			err = &llm.TimeoutError{Provider: s.collab.Model(), Timeout: s.cfg.Timeout}
		}
		return "", err
	}
	return resp.Content, nil
}

func (s *Stage) cacheKey(input PromptInput) string {
	if s.cache == nil {
		return ""
	}
	digest, err := canonical.Digest(struct {
		Prompt PromptInput `json:"prompt"`
		Model  string      `json:"model"`
	}{input, s.collab.Model()})
	if err != nil {
		s.logger.Warn("failed to derive justification cache key", "error", err)
		return ""
	}
	return cacheKeyPrefix + digest
}

// lookup returns a cached justification only if it still passes the guardrail.
func (s *Stage) lookup(ctx context.Context, key string, d *domain.PolicyDecision) (domain.Justification, bool) {
	if key == "" {
		return domain.Justification{}, false
	}
	data, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("justification cache read failed", "error", err)
		return domain.Justification{}, false
	}
	if data == nil {
		return domain.Justification{}, false
	}
	j, meta := Validate(string(data), nil, d)
	if !meta.OK {
		return domain.Justification{}, false
	}
	v, _ := j.Get()
	return v, true
}

func (s *Stage) store(ctx context.Context, key string, j domain.MaybeJustification) {
	if key == "" {
		return
	}
	data, err := json.Marshal(j)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cfg.CacheTTL); err != nil {
		s.logger.Warn("justification cache write failed", "error", err)
	}
}
