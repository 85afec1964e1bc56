// Package prompt builds the final bounded-size prompt from summaries,
// live turns and retrieved fragments for one model invocation, and holds
// the persona/prompt templates.
package prompt

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"hermit/internal/logging"
	"hermit/internal/tokens"
	"hermit/internal/types"
)

// ErrContextOverflow means the assembled context exceeds the model budget
// even with every fragment dropped. Live turns are never silently
// dropped; the caller must compact and retry.
var ErrContextOverflow = errors.New("prompt: context overflow")

// Assembler merges session state and retrieved fragments into a prompt,
// enforcing the model profile's hard token ceiling.
type Assembler struct {
	est     *tokens.Estimator
	profile types.ModelProfile
	logger  *zap.Logger
}

// Input is everything that goes into one assembly. Turns is the session's
// current context view (summaries first, then live turns, the new user
// input last). Fragments live for this one call only.
type Input struct {
	System    string
	Turns     []types.Turn
	Fragments []types.RetrievedFragment
}

// NewAssembler creates an assembler for the given profile.
func NewAssembler(est *tokens.Estimator, profile types.ModelProfile) *Assembler {
	return &Assembler{
		est:     est,
		profile: profile,
		logger:  logging.Named("prompt"),
	}
}

// Assemble renders the prompt in fixed order: system and summary context
// first, then fragments (most relevant first), then the chronological
// conversation with the new user input last.
//
// If the total exceeds the budget, fragments are dropped
// lowest-relevance-first before any live turn; if the turns alone still
// exceed the budget, Assemble fails with ErrContextOverflow.
func (a *Assembler) Assemble(in Input) (string, error) {
	for i := 1; i < len(in.Turns); i++ {
		if in.Turns[i].SequenceID < in.Turns[i-1].SequenceID {
			return "", fmt.Errorf("prompt: turns out of order at index %d", i)
		}
	}

	fragments := make([]types.RetrievedFragment, len(in.Fragments))
	copy(fragments, in.Fragments)
	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].Relevance > fragments[j].Relevance
	})

	fixed := a.est.Estimate(in.System) + a.est.EstimateTurns(in.Turns)
	budget := a.profile.ContextBudget

	if fixed > budget {
		a.logger.Warn("context overflow",
			zap.Int("turn_tokens", fixed),
			zap.Int("budget", budget))
		return "", fmt.Errorf("%w: %d turn tokens against budget %d", ErrContextOverflow, fixed, budget)
	}

	total := fixed
	for _, f := range fragments {
		total += a.est.Estimate(f.Text)
	}
	dropped := 0
	for total > budget && len(fragments) > 0 {
		last := fragments[len(fragments)-1]
		total -= a.est.Estimate(last.Text)
		fragments = fragments[:len(fragments)-1]
		dropped++
	}
	if dropped > 0 {
		a.logger.Debug("dropped fragments to fit budget",
			zap.Int("dropped", dropped), zap.Int("kept", len(fragments)))
	}

	return render(in.System, in.Turns, fragments), nil
}

func render(system string, turns []types.Turn, fragments []types.RetrievedFragment) string {
	var sb strings.Builder

	if system != "" {
		sb.WriteString(system)
		sb.WriteString("\n\n")
	}
	for _, t := range turns {
		if t.Role == types.RoleSummary {
			sb.WriteString("Conversation so far (summarized):\n")
			sb.WriteString(t.Content)
			sb.WriteString("\n\n")
		}
	}

	if len(fragments) > 0 {
		sb.WriteString("Relevant context from the project:\n")
		for _, f := range fragments {
			fmt.Fprintf(&sb, "--- %s\n%s\n", f.Origin, f.Text)
		}
		sb.WriteString("\n")
	}

	for _, t := range turns {
		switch t.Role {
		case types.RoleUser:
			sb.WriteString("User: ")
		case types.RoleAssistant:
			sb.WriteString("Assistant: ")
		case types.RoleSummary:
			continue
		}
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	sb.WriteString("Assistant:")

	return sb.String()
}
