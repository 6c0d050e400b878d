package orchestrator

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/helpers"
)

type RunKind string

const (
	RunKindFanOut  RunKind = "fanout"
	RunKindCompare RunKind = "compare"
)

// Run is one fan-out or compare: a user turn and one session per provider.
type Run struct {
	ID             string
	Kind           RunKind
	ConversationID string
	UserTurn       *conversation.Turn
	// Reused is set when the user turn already existed, either because it was
	// deduplicated or because the run compares an earlier prompt.
	Reused bool

	sessions []*Session
	sink     events.EventSink
	cancel   context.CancelFunc
	done     chan struct{}
}

// RunState is a point in time view of a run.
type RunState struct {
	ID             string              `json:"id"`
	Kind           RunKind             `json:"kind"`
	ConversationID string              `json:"conversationId"`
	UserTurnID     conversation.TurnID `json:"userTurnId"`
	Running        bool                `json:"running"`
	Sessions       []Result            `json:"sessions"`
}

func (r *Run) metadata() events.EventMetadata {
	return events.EventMetadata{RunID: r.ID, ConversationID: r.ConversationID}
}

// publish relays an event to the run's sink. A closed sink only means the caller is
// gone, which never stops the sessions.
func (r *Run) publish(e events.Event) {
	if err := r.sink.PublishEvent(e); err != nil && !errors.Is(err, events.ErrSinkClosed) {
		log.Warn().Err(err).
			Str("run_id", r.ID).
			Str("event_type", string(e.Type())).
			Msg("could not publish event")
	}
}

func (r *Run) Sessions() []*Session {
	ret := make([]*Session, len(r.sessions))
	copy(ret, r.sessions)
	return ret
}

func (r *Run) Session(provider string) (*Session, bool) {
	for _, s := range r.sessions {
		if s.Provider == provider {
			return s, true
		}
	}
	return nil, false
}

// Cancel interrupts a single provider. The other sessions keep streaming.
func (r *Run) Cancel(provider string) error {
	s, ok := r.Session(provider)
	if !ok {
		return &conversation.NotFoundError{Resource: "session", ID: provider}
	}
	s.Cancel()
	return nil
}

// CancelAll interrupts every session of the run.
func (r *Run) CancelAll() {
	r.cancel()
}

// Done is closed after every session is sealed and the done event was published.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) IsRunning() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the run is over and returns the results in provider order.
func (r *Run) Wait() []Result {
	<-r.done
	ret := make([]Result, 0, len(r.sessions))
	for _, s := range r.sessions {
		res, _ := s.Wait()
		ret = append(ret, res)
	}
	return ret
}

func (r *Run) State() RunState {
	ret := RunState{
		ID:             r.ID,
		Kind:           r.Kind,
		ConversationID: r.ConversationID,
		UserTurnID:     r.UserTurn.ID,
		Running:        r.IsRunning(),
	}
	for _, s := range r.sessions {
		ret.Sessions = append(ret.Sessions, s.Snapshot())
	}
	return ret
}

// assignment pairs a provider with the branch its reply is written to and the branch
// its context is read from.
type assignment struct {
	provider      string
	branchID      string
	contextBranch string
}

// start publishes the user turn and launches the sessions. ctx bounds the provider
// streams: when the caller goes away the sessions are interrupted and seal what they
// have.
func (o *Orchestrator) start(
	ctx context.Context,
	kind RunKind,
	userTurn *conversation.Turn,
	reused bool,
	assignments []assignment,
	forest *conversation.Forest,
	sink events.EventSink,
) *Run {
	runID := o.newRunID()
	runCtx, cancel := context.WithCancel(helpers.ContextWithRunID(ctx, runID))
	run := &Run{
		ID:             runID,
		Kind:           kind,
		ConversationID: userTurn.ConversationID,
		UserTurn:       userTurn,
		Reused:         reused,
		sink:           o.runSink(sink),
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	contexts := make([]context.Context, 0, len(assignments))
	for _, a := range assignments {
		sessCtx, sessCancel := context.WithCancel(runCtx)
		contexts = append(contexts, sessCtx)
		run.sessions = append(run.sessions, newSession(a, userTurn, sessCancel))
	}
	o.runs.add(run)

	logger := helpers.LoggerFromContext(runCtx)
	logger.Debug().
		Str("kind", string(kind)).
		Str("conversation_id", run.ConversationID).
		Str("user_turn_id", userTurn.ID.String()).
		Bool("reused", reused).
		Int("sessions", len(run.sessions)).
		Msg("starting run")

	run.publish(events.NewUserTurnEvent(run.metadata(), userTurn.ID))

	eg := errgroup.Group{}
	for i, s := range run.sessions {
		sessCtx, s := contexts[i], s
		eg.Go(func() error {
			o.runSession(sessCtx, run, s, forest)
			return nil
		})
	}

	go func() {
		_ = eg.Wait()
		run.publish(events.NewDoneEvent(run.metadata()))
		o.runs.remove(run.ID)
		cancel()
		logger.Debug().Msg("run done")
		close(run.done)
	}()

	return run
}

// RunManager tracks the runs in flight so that they can be cancelled out of band.
type RunManager struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

func NewRunManager() *RunManager {
	return &RunManager{runs: map[string]*Run{}}
}

func (m *RunManager) add(r *Run) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
}

func (m *RunManager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, id)
}

func (m *RunManager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, &conversation.NotFoundError{Resource: "run", ID: id}
	}
	return r, nil
}

// Cancel interrupts one provider of a run, or the whole run when provider is empty.
func (m *RunManager) Cancel(runID, provider string) error {
	r, err := m.Get(runID)
	if err != nil {
		return err
	}
	if provider == "" {
		r.CancelAll()
		return nil
	}
	return r.Cancel(provider)
}

// List returns the runs in flight ordered by id.
func (m *RunManager) List() []*Run {
	m.mu.RLock()
	ret := make([]*Run, 0, len(m.runs))
	for _, r := range m.runs {
		ret = append(ret, r)
	}
	m.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].ID < ret[j].ID
	})
	return ret
}
