package fixmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gofix"
	subsystem = "session"
)

// Label names for FIX session metrics.
const (
	labelSession  = "session"
	labelDir      = "direction"
	labelMsgType  = "msg_type"
	labelFromState = "from_state"
	labelToState   = "to_state"
)

// Message direction label values.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// -------------------------------------------------------------------------
// Collector — Prometheus FIX session metrics
// -------------------------------------------------------------------------

// Collector holds all FIX engine Prometheus metrics.
//
// Metrics are designed for production session monitoring:
//   - LoggedInSessions gauges track currently logged-in sessions.
//   - Messages counters track inbound/outbound volume by message type.
//   - StateTransitions counters record FSM changes for alerting.
//   - SeqGaps / ResendsServed / JournalDuplicates flag resend-layer activity.
type Collector struct {
	// LoggedInSessions tracks the number of sessions currently in the
	// logged-in state. Incremented on successful Logon, decremented on
	// Logout or disconnect.
	LoggedInSessions *prometheus.GaugeVec

	// Messages counts FIX messages processed, labeled by session,
	// direction (inbound/outbound) and MsgType(35).
	Messages *prometheus.CounterVec

	// StateTransitions counts ConnectionHandler FSM state transitions,
	// labeled with the old and new state for alerting.
	StateTransitions *prometheus.CounterVec

	// SeqGapsDetected counts the number of times an inbound message's
	// MsgSeqNum(34) exceeded the expected next sequence number.
	SeqGapsDetected *prometheus.CounterVec

	// ResendsServed counts outbound resend replies (gap-fill or replay)
	// sent in response to a ResendRequest(35=2).
	ResendsServed *prometheus.CounterVec

	// JournalDuplicates counts rejected journal writes caused by a
	// duplicate MsgSeqNum for a session.
	JournalDuplicates *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.LoggedInSessions,
		c.Messages,
		c.StateTransitions,
		c.SeqGapsDetected,
		c.ResendsServed,
		c.JournalDuplicates,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sessionLabels := []string{labelSession}
	messageLabels := []string{labelSession, labelDir, labelMsgType}
	transitionLabels := []string{labelSession, labelFromState, labelToState}

	return &Collector{
		LoggedInSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "logged_in",
			Help:      "Number of sessions currently in the logged-in state.",
		}, sessionLabels),

		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Total FIX messages processed, by direction and MsgType.",
		}, messageLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total ConnectionHandler FSM state transitions.",
		}, transitionLabels),

		SeqGapsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "seq_gaps_detected_total",
			Help:      "Total inbound sequence number gaps detected.",
		}, sessionLabels),

		ResendsServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "resends_served_total",
			Help:      "Total resend replies (gap-fill or replay) sent.",
		}, sessionLabels),

		JournalDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "journal_duplicates_total",
			Help:      "Total journal writes rejected as duplicate sequence numbers.",
		}, sessionLabels),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterLogin increments the logged-in sessions gauge for the session.
func (c *Collector) RegisterLogin(session string) {
	c.LoggedInSessions.WithLabelValues(session).Inc()
}

// RegisterLogout decrements the logged-in sessions gauge for the session.
func (c *Collector) RegisterLogout(session string) {
	c.LoggedInSessions.WithLabelValues(session).Dec()
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessages increments the message counter for the given session,
// direction, and MsgType(35) value.
func (c *Collector) IncMessages(session, direction, msgType string) {
	c.Messages.WithLabelValues(session, direction, msgType).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels.
func (c *Collector) RecordStateTransition(session, from, to string) {
	c.StateTransitions.WithLabelValues(session, from, to).Inc()
}

// -------------------------------------------------------------------------
// Resend / Gap / Journal
// -------------------------------------------------------------------------

// IncSeqGapsDetected increments the sequence gap counter for the session.
func (c *Collector) IncSeqGapsDetected(session string) {
	c.SeqGapsDetected.WithLabelValues(session).Inc()
}

// IncResendsServed increments the resends-served counter for the session.
func (c *Collector) IncResendsServed(session string) {
	c.ResendsServed.WithLabelValues(session).Inc()
}

// IncJournalDuplicates increments the journal-duplicate counter for the session.
func (c *Collector) IncJournalDuplicates(session string) {
	c.JournalDuplicates.WithLabelValues(session).Inc()
}
