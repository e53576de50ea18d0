// Package advisor turns a DecisionContext into a Verdict. Two
// implementations: an LLM-backed client speaking the OpenAI chat completion
// protocol, and a deterministic threshold rule used when no endpoint is
// configured. The pipeline treats both identically.
package advisor

import (
	"context"
	"fmt"

	"polycopy/pkg/types"
)

// Advisor decides whether and how large to copy a signal.
type Advisor interface {
	Decide(ctx context.Context, dc *types.DecisionContext) (types.Verdict, error)
}

// ParseError reports advisor output that was not a usable verdict. The
// caller rejects the trade rather than failing the pipeline, so the raw
// output travels along for the trade record.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("advisor: unparseable verdict: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
