// Package engine wires the context pipeline together: one user input
// flows through session append, token-aware compaction, retrieval,
// context assembly and model completion, with every mutation durably
// committed to the encrypted log before it is acknowledged.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"hermit/internal/compaction"
	"hermit/internal/logging"
	"hermit/internal/prompt"
	"hermit/internal/retrieval"
	"hermit/internal/session"
	"hermit/internal/turnlog"
	"hermit/internal/types"
)

// Engine owns one session's append-through-response cycle. The cycle
// lock serializes turn submission, compaction and assembly: no two of
// them interleave for the same session.
type Engine struct {
	mu sync.Mutex

	sess      *session.Session
	log       *turnlog.Log
	compactor *compaction.Engine
	assembler *prompt.Assembler
	retriever *retrieval.Client
	model     types.LLMClient

	system string
	topK   int
	opts   types.GenerationOptions

	logger *zap.Logger
}

// New assembles an engine from its parts. retriever may be nil when the
// project has no index yet.
func New(sess *session.Session, log *turnlog.Log, compactor *compaction.Engine,
	assembler *prompt.Assembler, retriever *retrieval.Client, model types.LLMClient,
	system string, topK int) *Engine {
	return &Engine{
		sess:      sess,
		log:       log,
		compactor: compactor,
		assembler: assembler,
		retriever: retriever,
		model:     model,
		system:    system,
		topK:      topK,
		logger:    logging.Named("engine").With(zap.String("session", sess.ID())),
	}
}

// Session exposes the underlying session for inspection (state, token
// totals) by the CLI.
func (e *Engine) Session() *session.Session { return e.sess }

// ProcessTurn runs one full cycle: append the user turn, compact if the
// high watermark is exceeded, assemble the bounded prompt (with
// retrieval), invoke the model, and append the response. Both appends
// are durable before the call returns.
func (e *Engine) ProcessTurn(ctx context.Context, input string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.appendTurn(types.RoleUser, input); err != nil {
		return "", err
	}

	if e.sess.NeedsCompaction() {
		if _, err := e.compactor.Compact(ctx, e.sess, e.log); err != nil {
			if !errors.Is(err, compaction.ErrCompactionIneffective) {
				return "", err
			}
			// Proceeding over budget for one turn is the documented
			// fallback; assembly below still enforces the hard ceiling.
			e.logger.Warn("compaction ineffective, proceeding over watermark", zap.Error(err))
		}
	}

	var fragments []types.RetrievedFragment
	if e.retriever != nil {
		fragments = e.retriever.Query(ctx, input, e.topK)
	}

	rendered, err := e.assemble(ctx, fragments)
	if err != nil {
		return "", err
	}

	reply, err := e.model.Complete(ctx, rendered, e.opts)
	if err != nil {
		return "", err
	}

	if err := e.appendTurn(types.RoleAssistant, reply); err != nil {
		return "", fmt.Errorf("response received but not persisted: %w", err)
	}
	return reply, nil
}

// assemble builds the prompt, forcing one explicit compaction and
// retrying if the live turns alone overflow the budget.
func (e *Engine) assemble(ctx context.Context, fragments []types.RetrievedFragment) (string, error) {
	in := prompt.Input{
		System:    e.system,
		Turns:     e.sess.CurrentContext(),
		Fragments: fragments,
	}
	rendered, err := e.assembler.Assemble(in)
	if err == nil {
		return rendered, nil
	}
	if !errors.Is(err, prompt.ErrContextOverflow) {
		return "", err
	}

	e.logger.Warn("context overflow, forcing compaction")
	if _, cerr := e.compactor.Compact(ctx, e.sess, e.log); cerr != nil {
		return "", fmt.Errorf("%w (compaction also failed: %v)", err, cerr)
	}
	in.Turns = e.sess.CurrentContext()
	return e.assembler.Assemble(in)
}

// appendTurn stages, durably logs, and commits one turn.
func (e *Engine) appendTurn(role types.Role, content string) error {
	staged, err := e.sess.NextTurn(role, content)
	if err != nil {
		return err
	}
	committed, err := e.log.AppendTurn(staged)
	if err != nil {
		return err
	}
	return e.sess.Commit(committed)
}

// Close closes the session and releases the log's exclusive lock.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sess.Close()
	return e.log.Close()
}
