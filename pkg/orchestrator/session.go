package orchestrator

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/go-go-golems/branchchat/pkg/providers"
)

var ErrSessionNil = errors.New("session is nil")

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Result is the outcome of one provider session. TurnID is null when the assistant
// turn could not be created.
type Result struct {
	Provider string              `json:"provider"`
	TurnID   conversation.TurnID `json:"turnId"`
	BranchID string              `json:"branchId"`
	Status   Status              `json:"status"`
	Content  string              `json:"content"`
	Err      error               `json:"-"`
}

// Session is the in-flight stream of one provider within a run.
//
// It is cancelable and waitable. Cancelling a session only stops that provider; its
// turn is still sealed with the content received so far.
type Session struct {
	Provider string
	BranchID string
	// ContextBranch is the branch whose history is sent to the provider. Empty means
	// the ancestry of the user turn.
	ContextBranch string
	UserTurn      *conversation.Turn

	acc  *accumulator
	done chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	turnID conversation.TurnID
	result Result
}

func newSession(a assignment, userTurn *conversation.Turn, cancel context.CancelFunc) *Session {
	return &Session{
		Provider:      a.provider,
		BranchID:      a.branchID,
		ContextBranch: a.contextBranch,
		UserTurn:      userTurn,
		acc:           &accumulator{},
		done:          make(chan struct{}),
		cancel:        cancel,
	}
}

func (s *Session) setTurnID(id conversation.TurnID) {
	s.mu.Lock()
	s.turnID = id
	s.mu.Unlock()
}

func (s *Session) setResult(r Result) {
	s.mu.Lock()
	s.result = r
	close(s.done)
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// TurnID returns the assistant turn of the session, or the null id before it exists.
func (s *Session) TurnID() conversation.TurnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnID
}

// Cancel stops the provider stream. It is safe to call multiple times.
func (s *Session) Cancel() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the session's turn is sealed.
func (s *Session) Wait() (Result, error) {
	if s == nil {
		return Result{}, ErrSessionNil
	}
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, nil
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) IsRunning() bool {
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Snapshot returns the final result, or the partial content of a running session.
func (s *Session) Snapshot() Result {
	if !s.IsRunning() {
		r, _ := s.Wait()
		return r
	}
	return Result{
		Provider: s.Provider,
		TurnID:   s.TurnID(),
		BranchID: s.BranchID,
		Status:   StatusRunning,
		Content:  s.acc.String(),
	}
}

// runSession drives one provider from turn creation to sealing. ctx is the session
// context: cancelling it interrupts the provider but never the final write.
func (o *Orchestrator) runSession(ctx context.Context, run *Run, s *Session, forest *conversation.Forest) {
	logger := helpers.LoggerFromContext(ctx).With().Str("provider", s.Provider).Logger()
	meta := run.metadata()
	res := Result{Provider: s.Provider, BranchID: s.BranchID}
	defer func() {
		s.setResult(res)
	}()

	capability, err := o.registry.Get(s.Provider)
	if err != nil {
		perr := providers.Classify(s.Provider, err)
		res.Status, res.Err = StatusFailed, perr
		run.publish(events.NewErrorEvent(meta, conversation.NullTurnID, s.Provider, string(perr.Kind), perr))
		return
	}

	turn := conversation.NewAssistantTurn(run.ConversationID, s.UserTurn.ID, s.Provider,
		conversation.WithBranch(s.BranchID),
		conversation.WithTimestamp(o.now()),
	)
	pctx, cancel := o.persistContext(ctx)
	turn, err = o.store.AppendTurn(pctx, turn)
	cancel()
	if err != nil {
		logger.Error().Err(err).Msg("could not create assistant turn")
		res.Status, res.Err = StatusFailed, err
		run.publish(events.NewErrorEvent(meta, conversation.NullTurnID, s.Provider, string(providers.KindUnknown), err))
		return
	}
	s.setTurnID(turn.ID)
	res.TurnID = turn.ID
	logger = logger.With().Str("turn_id", turn.ID.String()).Logger()
	run.publish(events.NewTurnStartEvent(meta, turn.ID, s.Provider, s.UserTurn.ID))

	streamErr := o.stream(ctx, run, s, capability, turn.ID, forest)
	res = o.seal(ctx, logger, run, s, turn.ID, streamErr)
}

func (o *Orchestrator) stream(
	ctx context.Context,
	run *Run,
	s *Session,
	capability providers.Capability,
	turnID conversation.TurnID,
	forest *conversation.Forest,
) error {
	if !o.registry.HasCredential(s.Provider) {
		return providers.NewError(s.Provider, providers.KindCredentialMissing, providers.ErrCredentialMissing)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var resolved conversation.Turns
	if s.ContextBranch == "" {
		resolved = forest.PathTo(s.UserTurn.ID)
	} else {
		resolved = forest.Resolve(s.ContextBranch)
	}
	history := conversation.ContextWindow(
		conversation.HistoryBefore(resolved, s.UserTurn),
		o.registry.ContextWindow(s.Provider, o.contextWindow),
	)

	timeout := o.registry.Timeout(s.Provider, o.providerTimeout)
	var callCtx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		callCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	meta := run.metadata()
	err := capability.Stream(callCtx, s.UserTurn.Content, providers.HistoryFromTurns(history), func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunk == "" {
			return nil
		}
		s.acc.Append(chunk)
		run.publish(events.NewChunkEvent(meta, turnID, s.Provider, chunk))
		return nil
	})
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return providers.NewError(s.Provider, providers.KindTransport, errors.Errorf("no reply within %s", timeout))
	}
	return err
}

// seal writes the final content of the turn and emits its terminal event.
func (o *Orchestrator) seal(
	ctx context.Context,
	logger zerolog.Logger,
	run *Run,
	s *Session,
	turnID conversation.TurnID,
	streamErr error,
) Result {
	res := Result{Provider: s.Provider, TurnID: turnID, BranchID: s.BranchID}
	var perr *providers.Error
	switch {
	case streamErr == nil:
		res.Status = StatusSucceeded
		res.Content = s.acc.String()
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Content = s.acc.Partial()
	default:
		perr = providers.Classify(s.Provider, streamErr)
		res.Status, res.Err = StatusFailed, perr
		res.Content = providers.ErrorContent(perr)
	}

	pctx, cancel := o.persistContext(ctx)
	defer cancel()
	if err := o.store.UpdateTurnContent(pctx, turnID, res.Content, true); err != nil {
		logger.Error().Err(err).Str("status", string(res.Status)).Msg("could not seal assistant turn")
		res.Status, res.Err = StatusFailed, errors.Wrap(err, "could not seal turn")
		run.publish(events.NewErrorEvent(run.metadata(), turnID, s.Provider, string(providers.KindUnknown), res.Err))
		return res
	}

	l := logger.Debug().Str("status", string(res.Status)).Int("chunks", s.acc.Chunks())
	if perr != nil {
		l = l.Str("kind", string(perr.Kind)).Err(perr.Err)
		run.publish(events.NewErrorEvent(run.metadata(), turnID, s.Provider, string(perr.Kind), perr))
	} else {
		run.publish(events.NewTurnEndEvent(run.metadata(), turnID, s.Provider))
	}
	l.Msg("turn sealed")
	return res
}
