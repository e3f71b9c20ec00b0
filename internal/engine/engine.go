// Package engine wires the wire codec, session, journal, and reactor
// together into the running system (§2 Control flow, §9 Process-wide
// state): the Engine holds the sessions map and journaler that every
// ConnectionHandler shares, and drives them from one reactor thread.
package engine

import (
	"log/slog"

	"github.com/example/gofix/internal/fixdict"
	"github.com/example/gofix/internal/fixsession"
	"github.com/example/gofix/internal/journal"
	fixmetrics "github.com/example/gofix/internal/metrics"
	"github.com/example/gofix/internal/reactor"
)

// Engine owns the process-wide state every ConnectionHandler shares: the
// sessions map and the journaler handle. Per §9's design note, this
// replaces a module-level "connected sessions" map with an instance the
// reactor thread exclusively mutates.
type Engine struct {
	Dict    *fixdict.Dictionary
	Journal *journal.Journaler
	Reactor *reactor.EventManager
	Metrics *fixmetrics.Collector
	Logger  *slog.Logger

	sessions map[string]*fixsession.Session
	handlers []*ConnectionHandler
}

// New constructs an Engine over an already-open Journaler and
// EventManager. It loads every persisted session from the journal so a
// restart resumes sequence numbering.
func New(dict *fixdict.Dictionary, j *journal.Journaler, r *reactor.EventManager, m *fixmetrics.Collector, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		Dict:     dict,
		Journal:  j,
		Reactor:  r,
		Metrics:  m,
		Logger:   logger,
		sessions: make(map[string]*fixsession.Session),
	}

	persisted, err := j.Sessions()
	if err != nil {
		return nil, err
	}
	for _, s := range persisted {
		e.sessions[s.Key()] = s
	}

	return e, nil
}

// sessionFor returns the session for (senderCompID, targetCompID),
// creating and persisting one if it does not yet exist.
func (e *Engine) sessionFor(senderCompID, targetCompID string) (*fixsession.Session, error) {
	key := senderCompID + "_" + targetCompID
	if s, ok := e.sessions[key]; ok {
		return s, nil
	}
	s, err := e.Journal.CreateSession(senderCompID, targetCompID)
	if err != nil {
		return nil, err
	}
	e.sessions[key] = s
	return s, nil
}

// registerHandler adds ch to the set of live connection handlers so
// Shutdown can close them all.
func (e *Engine) registerHandler(ch *ConnectionHandler) {
	e.handlers = append(e.handlers, ch)
}

// unregisterHandler removes ch, tolerating re-entrant calls during
// dispatch.
func (e *Engine) unregisterHandler(ch *ConnectionHandler) {
	for i, h := range e.handlers {
		if h == ch {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Shutdown closes every live connection handler.
func (e *Engine) Shutdown() {
	for _, h := range append([]*ConnectionHandler(nil), e.handlers...) {
		h.Close()
	}
}
