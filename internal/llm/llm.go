// Package llm provides the collaborators that draft decision justifications.
//
// A Collaborator turns a prompt into raw text. It does not validate the text;
// callers parse and check it.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Collaborator produces a completion for a prompt.
type Collaborator interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Model() string
}

// Request is a two-message chat prompt.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int

	// Input is the decision subset the prompt was built from.
	// Offline collaborators draft from it instead of the prompt text.
	Input Input
}

// Input is the part of a policy decision a collaborator may see. Case
// and customer identifiers, the policy version and rule ids stay out.
type Input struct {
	Decision            domain.Tier    `json:"decision"`
	Confidence          string         `json:"confidence"`
	Reasons             []string       `json:"reasons"`
	RequiredNextActions []string       `json:"required_next_actions"`
	DebugSignals        map[string]any `json:"debug_signals"`
}

// Response is the raw completion.
type Response struct {
	Content string
	Model   string
	Latency time.Duration
}

// New creates the collaborator named by cfg.Provider.
func New(cfg domain.LLMConfig) (Collaborator, error) {
	switch cfg.Provider {
	case "", "offline":
		return NewOffline(), nil
	case "openai":
		return NewOpenAI(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
