// Package orchestrator fans a prompt out to several providers and streams their replies.
//
// A run creates (or reuses) one user turn, then starts one Session per provider. Every
// session owns one assistant turn: it opens it, relays chunks to the caller's sink,
// and always seals it, with the full reply, an error sentinel or whatever partial
// content arrived before a cancellation.
package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/branchchat/pkg/config"
	"github.com/go-go-golems/branchchat/pkg/conversation"
	"github.com/go-go-golems/branchchat/pkg/dedup"
	"github.com/go-go-golems/branchchat/pkg/events"
	"github.com/go-go-golems/branchchat/pkg/helpers"
	"github.com/go-go-golems/branchchat/pkg/providers"
	"github.com/go-go-golems/branchchat/pkg/store"
)

// InterruptedContent seals a turn that was cancelled before any chunk arrived.
const InterruptedContent = "[interrupted]"

const defaultPollInterval = 25 * time.Millisecond

type Orchestrator struct {
	store    store.Store
	registry *providers.Registry
	deduper  dedup.Deduper
	runs     *RunManager
	observer events.EventSink

	now      func() time.Time
	newRunID func() string

	contextWindow   int
	providerTimeout time.Duration
	persistTimeout  time.Duration
	dedupWindow     time.Duration
	dedupWait       time.Duration
	pollInterval    time.Duration
}

type Option func(*Orchestrator)

// WithClock replaces time.Now for turn timestamps and the dedup window.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithDeduper(d dedup.Deduper) Option {
	return func(o *Orchestrator) {
		o.deduper = d
	}
}

func WithRunIDGenerator(f func() string) Option {
	return func(o *Orchestrator) {
		o.newRunID = f
	}
}

func WithRunManager(m *RunManager) Option {
	return func(o *Orchestrator) {
		o.runs = m
	}
}

// WithObserver mirrors every run event to sink, in addition to the caller's sink.
func WithObserver(sink events.EventSink) Option {
	return func(o *Orchestrator) {
		o.observer = sink
	}
}

// WithSettings applies the orchestrator and dedup sections of the settings.
func WithSettings(s *config.Settings) Option {
	return func(o *Orchestrator) {
		if s == nil {
			return
		}
		o.contextWindow = s.Orchestrator.ContextWindow
		o.providerTimeout = s.Orchestrator.ProviderTimeout
		o.persistTimeout = s.Orchestrator.PersistTimeout
		o.dedupWindow = s.Dedup.Window
		o.dedupWait = s.Dedup.Wait
	}
}

func WithContextWindow(n int) Option {
	return func(o *Orchestrator) {
		o.contextWindow = n
	}
}

func WithProviderTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.providerTimeout = d
	}
}

func WithDedupWindow(window, wait time.Duration) Option {
	return func(o *Orchestrator) {
		o.dedupWindow = window
		o.dedupWait = wait
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.pollInterval = d
	}
}

func New(s store.Store, registry *providers.Registry, options ...Option) *Orchestrator {
	defaults := config.NewSettings()
	ret := &Orchestrator{
		store:           s,
		registry:        registry,
		now:             time.Now,
		newRunID:        helpers.NewRunID,
		contextWindow:   defaults.Orchestrator.ContextWindow,
		providerTimeout: defaults.Orchestrator.ProviderTimeout,
		persistTimeout:  defaults.Orchestrator.PersistTimeout,
		dedupWindow:     defaults.Dedup.Window,
		dedupWait:       defaults.Dedup.Wait,
		pollInterval:    defaultPollInterval,
	}
	for _, option := range options {
		option(ret)
	}
	if ret.deduper == nil {
		ret.deduper = dedup.NewMemoryDeduper(dedup.WithClock(ret.now))
	}
	if ret.runs == nil {
		ret.runs = NewRunManager()
	}
	if ret.persistTimeout <= 0 {
		ret.persistTimeout = defaults.Orchestrator.PersistTimeout
	}
	if ret.pollInterval <= 0 {
		ret.pollInterval = defaultPollInterval
	}
	return ret
}

func (o *Orchestrator) Runs() *RunManager {
	return o.runs
}

func (o *Orchestrator) Registry() *providers.Registry {
	return o.registry
}

// validateProviders checks that every provider is registered and drops duplicates,
// keeping the first occurrence.
func (o *Orchestrator) validateProviders(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, &conversation.ValidationError{Field: "providers", Reason: "at least one provider is required"}
	}
	seen := map[string]bool{}
	ret := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if err := conversation.ValidateProviderID(id); err != nil {
			return nil, err
		}
		if !o.registry.Has(id) {
			return nil, &conversation.ValidationError{Field: "providers", Reason: "unknown provider " + id}
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		ret = append(ret, id)
	}
	return ret, nil
}

// persistContext survives the cancellation of the run so that turns are always sealed.
func (o *Orchestrator) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.persistTimeout)
}

func (o *Orchestrator) runSink(sink events.EventSink) events.EventSink {
	if o.observer == nil {
		if sink == nil {
			return events.NewNullSink()
		}
		return sink
	}
	return events.NewMultiSink(sink, o.observer)
}
