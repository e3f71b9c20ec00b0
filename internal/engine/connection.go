package engine

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/example/gofix/internal/fixcodec"
	"github.com/example/gofix/internal/fixdict"
	"github.com/example/gofix/internal/fixfsm"
	"github.com/example/gofix/internal/fixmsg"
	"github.com/example/gofix/internal/fixsession"
	"github.com/example/gofix/internal/journal"
	fixmetrics "github.com/example/gofix/internal/metrics"
	"github.com/example/gofix/internal/reactor"
)

// Role distinguishes which side of the Logon handshake a handler plays.
type Role uint8

const (
	RoleInitiator Role = iota + 1
	RoleAcceptor
)

// peerSilenceMultiplier is the 1.10 factor applied to HeartBtInt to get
// the peer-silence timeout (§4.4 Heartbeating).
const peerSilenceMultiplier = 1.10

// ObserverFunc is invoked for a message matching a registered observer's
// direction and msgType filters.
type ObserverFunc func(msg *fixmsg.Message, dir journal.Direction)

type observerEntry struct {
	fn      ObserverFunc
	dir     *journal.Direction
	msgType *string
}

// ShouldResendFunc lets the application decline resending a specific
// stored application message (§4.4 ResendRequest handling).
type ShouldResendFunc func(msg *fixmsg.Message) bool

// ConnectionHandler is the per-connection session state machine,
// message dispatcher, heartbeat/peer-silence timers, and resend logic
// (§4.4). It owns the socket and read buffer; it holds a shared
// reference to the Session, which outlives it.
type ConnectionHandler struct {
	engine *Engine
	conn   net.Conn
	role   Role

	readBuf []byte
	session *fixsession.Session
	state   fixfsm.State

	heartBtInt       time.Duration
	heartbeatTimer   *reactor.Timer
	peerSilenceTimer *reactor.Timer

	observers    []observerEntry
	shouldResend ShouldResendFunc

	// pendingClose records that the FSM produced ActionCloseSocket; the
	// actual close happens after queued responses are flushed, not
	// mid-dispatch.
	pendingClose bool

	now func() time.Time
}

// sessionLabel is the metrics label identifying this handler's
// counterparty, or "unknown" before a session exists.
func (ch *ConnectionHandler) sessionLabel() string {
	if ch.session != nil {
		return ch.session.Key()
	}
	return "unknown"
}

// newConnectionHandler constructs a handler in state Connected. sess may
// be nil for an acceptor awaiting the inbound Logon that identifies the
// counterparty.
func newConnectionHandler(e *Engine, conn net.Conn, role Role, sess *fixsession.Session) *ConnectionHandler {
	ch := &ConnectionHandler{
		engine:  e,
		conn:    conn,
		role:    role,
		session: sess,
		state:   fixfsm.StateConnected,
		now:     time.Now,
	}
	e.registerHandler(ch)
	return ch
}

// AddMessageHandler registers an observer triple (§4.4 Observers). A nil
// dir or msgType acts as a wildcard.
func (ch *ConnectionHandler) AddMessageHandler(fn ObserverFunc, dir *journal.Direction, msgType *string) {
	ch.observers = append(ch.observers, observerEntry{fn: fn, dir: dir, msgType: msgType})
}

// SetShouldResend installs the application's resend-eligibility policy.
func (ch *ConnectionHandler) SetShouldResend(fn ShouldResendFunc) {
	ch.shouldResend = fn
}

// State returns the handler's current ConnectionState.
func (ch *ConnectionHandler) State() fixfsm.State { return ch.state }

// notify invokes every observer whose filters match dir and the
// message's MsgType, iterating a snapshot so an observer may
// unregister itself mid-callback (§9 Reactor observer iteration).
func (ch *ConnectionHandler) notify(msg *fixmsg.Message, dir journal.Direction) {
	msgType := msg.MsgType()

	if ch.engine.Metrics != nil {
		direction := fixmetrics.DirectionInbound
		if dir == journal.DirectionOutbound {
			direction = fixmetrics.DirectionOutbound
		}
		ch.engine.Metrics.IncMessages(ch.sessionLabel(), direction, msgType)
	}

	snapshot := append([]observerEntry(nil), ch.observers...)
	for _, o := range snapshot {
		if o.dir != nil && *o.dir != dir {
			continue
		}
		if o.msgType != nil && *o.msgType != msgType {
			continue
		}
		o.fn(msg, dir)
	}
}

// -------------------------------------------------------------------------
// Inbound: readiness -> frames -> per-message processing
// -------------------------------------------------------------------------

// onReadable is the reactor onReady callback for the handler's fd: it
// reads available bytes, resets the peer-silence timer, and drains every
// complete frame from the buffer.
func (ch *ConnectionHandler) onReadable(ready reactor.Interest) {
	if ready&reactor.InterestRead == 0 {
		return
	}

	buf := make([]byte, 4096)
	n, err := ch.conn.Read(buf)
	if n > 0 {
		ch.readBuf = append(ch.readBuf, buf[:n]...)
		if ch.peerSilenceTimer != nil {
			ch.peerSilenceTimer.Reset()
		}
	}
	if err != nil {
		if !errors.Is(err, io.EOF) {
			ch.engine.Logger.Warn("fixengine: read error", "error", err)
		}
		ch.Close()
		return
	}

	for {
		msg, consumed, decErr := fixcodec.Decode(ch.readBuf, ch.engine.Dict)
		if decErr != nil {
			ch.engine.Logger.Warn("fixengine: decode error", "error", decErr)
			ch.Close()
			return
		}
		if msg == nil {
			return // short buffer: wait for more bytes
		}
		ch.readBuf = ch.readBuf[consumed:]
		ch.processInboundMessage(msg)
	}
}

// processInboundMessage implements the §4.4 per-message processing
// algorithm.
func (ch *ConnectionHandler) processInboundMessage(msg *fixmsg.Message) {
	if bs, ok := msg.GetField(fixdict.TagBeginString); ok && bs != fixdict.BeginString {
		ch.engine.Logger.Warn("fixengine: bad BeginString, disconnecting", "got", bs)
		ch.Close()
		return
	}

	if !msg.Has(fixdict.TagMsgType) {
		seqNo, _ := msg.GetFieldInt(fixdict.TagMsgSeqNum)
		ch.engine.Logger.Warn("fixengine: inbound message missing MsgType, rejecting",
			"msg", ch.engine.Dict.Describe(msg))
		ch.flushAndMaybeClose([]*fixmsg.Message{buildReject(seqNo, "", fixdict.TagMsgType)})
		return
	}

	if ch.state == fixfsm.StateLoggedIn && msg.MsgType() != fixdict.MsgTypeLogon {
		if !ch.checkCompIDs(msg) {
			ch.engine.Logger.Warn("fixengine: CompID mismatch, disconnecting",
				"msg", ch.engine.Dict.Describe(msg))
			ch.Close()
			return
		}
	}

	msgType := msg.MsgType()
	var effectiveRecvSeqNo int
	var responses []*fixmsg.Message

	if ch.engine.Dict.IsSessionMessage(msgType) {
		effectiveRecvSeqNo, responses = ch.handleSessionMessage(msg)
	} else {
		effectiveRecvSeqNo, _ = msg.GetFieldInt(fixdict.TagMsgSeqNum)
	}

	if ch.session == nil {
		// No session yet and the message was not a Logon that created
		// one: nothing to validate against.
		ch.flushAndMaybeClose(responses)
		return
	}

	ok, lastKnown := ch.session.ValidateRecvSeqNo(effectiveRecvSeqNo)
	if !ok {
		if ch.engine.Metrics != nil {
			ch.engine.Metrics.IncSeqGapsDetected(ch.sessionLabel())
		}
		responses = append(responses, buildResendRequest(lastKnown))
		if msgType == fixdict.MsgTypeLogon {
			ch.notify(msg, journal.DirectionInbound)
		}
	} else {
		if err := ch.persistInbound(msg); err != nil {
			if errors.Is(err, journal.ErrDuplicateSeqNo) {
				if ch.engine.Metrics != nil {
					ch.engine.Metrics.IncJournalDuplicates(ch.sessionLabel())
				}
				possDup, _ := msg.GetField(fixdict.TagPossDupFlag)
				if possDup == "Y" {
					ch.engine.Logger.Info("fixengine: swallowing duplicate inbound message", "seqNo", effectiveRecvSeqNo)
				} else {
					ch.engine.Logger.Warn("fixengine: duplicate inbound seqNo without PossDupFlag, disconnecting", "seqNo", effectiveRecvSeqNo)
					ch.Close()
					return
				}
			} else {
				ch.engine.Logger.Warn("fixengine: journal persist error", "error", err)
			}
		}
		ch.session.SetRecvSeqNo(effectiveRecvSeqNo)
		ch.notify(msg, journal.DirectionInbound)
	}

	ch.flushAndMaybeClose(responses)
}

// flushAndMaybeClose sends responses in order, then closes the socket if
// the FSM produced ActionCloseSocket while handling this message (e.g.
// Logout, §4.4). The transition that produced the action has already
// been applied, so the handler keeps that state (LoggedOut after a
// Logout) rather than going through Close's Disconnect transition.
func (ch *ConnectionHandler) flushAndMaybeClose(responses []*fixmsg.Message) {
	ch.sendAll(responses)
	if ch.pendingClose {
		ch.pendingClose = false
		ch.conn.Close()
		ch.engine.unregisterHandler(ch)
	}
}

func (ch *ConnectionHandler) persistInbound(msg *fixmsg.Message) error {
	if ch.engine.Journal == nil {
		return nil
	}
	return ch.engine.Journal.PersistMsg(ch.session, journal.DirectionInbound, msg)
}

func (ch *ConnectionHandler) checkCompIDs(msg *fixmsg.Message) bool {
	sender, _ := msg.GetField(fixdict.TagSenderCompID)
	target, _ := msg.GetField(fixdict.TagTargetCompID)
	return sender == ch.session.TargetCompID() && target == ch.session.SenderCompID()
}

// buildResendRequest constructs a ResendRequest(lastKnown, 0) -- "to
// infinity" (§4.4).
func buildResendRequest(lastKnown int) *fixmsg.Message {
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeResendRequest)
	m.SetFieldInt(fixdict.TagBeginSeqNo, lastKnown)
	m.SetFieldInt(fixdict.TagEndSeqNo, 0)
	return m
}

// -------------------------------------------------------------------------
// Session-message handling
// -------------------------------------------------------------------------

// handleSessionMessage dispatches one of the seven session message
// types and returns the effective receive sequence number plus any
// responses to queue (§4.4 Session-message handling).
func (ch *ConnectionHandler) handleSessionMessage(msg *fixmsg.Message) (int, []*fixmsg.Message) {
	seqNo, _ := msg.GetFieldInt(fixdict.TagMsgSeqNum)

	msgType := msg.MsgType()

	switch msgType {
	case fixdict.MsgTypeLogon:
		if reject, bad := rejectForUnparseableTag(msg, seqNo, msgType, fixdict.TagHeartBtInt); bad {
			return seqNo, []*fixmsg.Message{reject}
		}
		return seqNo, ch.handleLogon(msg)

	case fixdict.MsgTypeLogout:
		result := fixfsm.ApplyEvent(ch.state, fixfsm.EventLogout)
		ch.applyFSMResult(result)
		return seqNo, nil

	case fixdict.MsgTypeTestRequest:
		return seqNo, []*fixmsg.Message{buildHeartbeat()}

	case fixdict.MsgTypeResendRequest:
		for _, tag := range []int{fixdict.TagBeginSeqNo, fixdict.TagEndSeqNo} {
			if reject, bad := rejectForUnparseableTag(msg, seqNo, msgType, tag); bad {
				return seqNo, []*fixmsg.Message{reject}
			}
		}
		return seqNo, ch.handleResendRequest(msg)

	case fixdict.MsgTypeSequenceReset:
		if reject, bad := rejectForUnparseableTag(msg, seqNo, msgType, fixdict.TagNewSeqNo); bad {
			return seqNo, []*fixmsg.Message{reject}
		}
		newSeqNo, _ := msg.GetFieldInt(fixdict.TagNewSeqNo)
		return newSeqNo - 1, nil

	default:
		return seqNo, nil
	}
}

// rejectForUnparseableTag reports whether tag is present on msg but does
// not parse as an integer, building the Reject(35=3) naming it via
// RefTagID if so (§4 Reject support). A missing tag is not itself a
// reject condition -- callers apply their own defaulting.
func rejectForUnparseableTag(msg *fixmsg.Message, seqNo int, msgType string, tag int) (*fixmsg.Message, bool) {
	if !msg.Has(tag) {
		return nil, false
	}
	if _, ok := msg.GetFieldInt(tag); !ok {
		return buildReject(seqNo, msgType, tag), true
	}
	return nil, false
}

// buildReject constructs Reject(35=3) naming msgType and the offending
// tag via RefSeqNum/RefMsgType/RefTagID (§4 Reject support).
func buildReject(refSeqNum int, refMsgType string, refTagID int) *fixmsg.Message {
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeReject)
	m.SetFieldInt(fixdict.TagRefSeqNum, refSeqNum)
	if refMsgType != "" {
		m.SetField(fixdict.TagRefMsgType, refMsgType)
	}
	m.SetFieldInt(fixdict.TagRefTagID, refTagID)
	return m
}

// handleLogon implements the acceptor/initiator Logon branches (§4.4).
func (ch *ConnectionHandler) handleLogon(msg *fixmsg.Message) []*fixmsg.Message {
	if ch.state == fixfsm.StateLoggedIn {
		return nil
	}

	heartBtInt, _ := msg.GetFieldInt(fixdict.TagHeartBtInt)
	if heartBtInt <= 0 {
		heartBtInt = 30
	}
	ch.heartBtInt = time.Duration(heartBtInt) * time.Second

	var responses []*fixmsg.Message

	if ch.role == RoleAcceptor {
		ourSender, _ := msg.GetField(fixdict.TagTargetCompID)
		ourTarget, _ := msg.GetField(fixdict.TagSenderCompID)

		sess, err := ch.engine.sessionFor(ourSender, ourTarget)
		if err != nil {
			ch.engine.Logger.Warn("fixengine: session lookup/create failed", "error", err)
			return nil
		}
		ch.session = sess
		responses = append(responses, buildLogon(ch.heartBtInt))
	}

	result := fixfsm.ApplyEvent(ch.state, fixfsm.EventLogonAccepted)
	ch.applyFSMResult(result)

	return responses
}

// applyFSMResult transitions state and executes the returned actions.
func (ch *ConnectionHandler) applyFSMResult(result fixfsm.FSMResult) {
	ch.state = result.NewState

	if result.Changed && ch.engine.Metrics != nil {
		label := ch.sessionLabel()
		ch.engine.Metrics.RecordStateTransition(label, result.OldState.String(), result.NewState.String())
		if result.NewState == fixfsm.StateLoggedIn {
			ch.engine.Metrics.RegisterLogin(label)
		} else if result.OldState == fixfsm.StateLoggedIn {
			ch.engine.Metrics.RegisterLogout(label)
		}
	}

	for _, action := range result.Actions {
		switch action {
		case fixfsm.ActionArmHeartbeatTimers:
			ch.armHeartbeatTimers()
		case fixfsm.ActionCancelTimers:
			ch.cancelTimers()
		case fixfsm.ActionCloseSocket:
			// Deferred: flushAndMaybeClose (or Close itself) decides when
			// the socket actually closes, after queued responses are sent.
			ch.pendingClose = true
		}
	}
}

func (ch *ConnectionHandler) armHeartbeatTimers() {
	if ch.engine.Reactor == nil {
		return
	}
	peerSilence := time.Duration(float64(ch.heartBtInt) * peerSilenceMultiplier)
	ch.heartbeatTimer = ch.engine.Reactor.RegisterTimer(ch.heartBtInt, func() {
		ch.sendMessage(buildHeartbeat())
	})
	ch.peerSilenceTimer = ch.engine.Reactor.RegisterTimer(peerSilence, func() {
		ch.sendMessage(buildTestRequest())
	})
}

func (ch *ConnectionHandler) cancelTimers() {
	if ch.engine.Reactor == nil {
		return
	}
	if ch.heartbeatTimer != nil {
		ch.engine.Reactor.UnregisterTimer(ch.heartbeatTimer)
		ch.heartbeatTimer = nil
	}
	if ch.peerSilenceTimer != nil {
		ch.engine.Reactor.UnregisterTimer(ch.peerSilenceTimer)
		ch.peerSilenceTimer = nil
	}
}

// SendLogon emits the initial outbound Logon for an initiator connection
// (§4.4 "Logon (initiator)", §3 "created on first Logon (initiator
// emits...)"). The acceptor side never calls this -- it replies to the
// peer's inbound Logon from within handleLogon instead.
func (ch *ConnectionHandler) SendLogon(heartBtInt time.Duration) error {
	ch.heartBtInt = heartBtInt
	return ch.sendMessage(buildLogon(heartBtInt))
}

func buildLogon(heartBtInt time.Duration) *fixmsg.Message {
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeLogon)
	m.SetFieldInt(fixdict.TagEncryptMethod, 0)
	m.SetFieldInt(fixdict.TagHeartBtInt, int(heartBtInt/time.Second))
	return m
}

func buildHeartbeat() *fixmsg.Message {
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeHeartbeat)
	return m
}

func buildTestRequest() *fixmsg.Message {
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeTestRequest)
	m.SetField(fixdict.TagTestReqID, "TEST")
	return m
}

// -------------------------------------------------------------------------
// ResendRequest replay
// -------------------------------------------------------------------------

// handleResendRequest implements §4.4's ResendRequest handling and the
// "resend composition" law (§8 item 6): runs of ineligible messages
// (session messages, or ones the application declines) collapse into a
// single gap-fill SequenceReset; eligible application messages are
// re-emitted with PossDupFlag=Y and fresh header fields.
func (ch *ConnectionHandler) handleResendRequest(msg *fixmsg.Message) []*fixmsg.Message {
	begin, _ := msg.GetFieldInt(fixdict.TagBeginSeqNo)
	end, _ := msg.GetFieldInt(fixdict.TagEndSeqNo)

	if ch.engine.Journal == nil || ch.session == nil {
		return nil
	}

	stored, err := ch.engine.Journal.RecoverMsgs(ch.session, journal.DirectionOutbound, begin, end)
	if err != nil {
		ch.engine.Logger.Warn("fixengine: resend recovery failed", "error", err)
		return nil
	}

	var responses []*fixmsg.Message
	runStart, runEnd := 0, 0

	flushRun := func() {
		if runStart != 0 {
			responses = append(responses, buildGapFill(runStart, runEnd+1))
			runStart = 0
		}
	}

	for _, m := range stored {
		seqNo, _ := m.GetFieldInt(fixdict.TagMsgSeqNum)
		eligible := !ch.engine.Dict.IsSessionMessage(m.MsgType()) && (ch.shouldResend == nil || ch.shouldResend(m))

		if !eligible {
			if runStart == 0 {
				runStart = seqNo
			}
			runEnd = seqNo
			continue
		}

		flushRun()
		responses = append(responses, stripForReplay(m))
	}
	flushRun()

	if ch.engine.Metrics != nil {
		for range responses {
			ch.engine.Metrics.IncResendsServed(ch.sessionLabel())
		}
	}

	return responses
}

// buildGapFill constructs SequenceReset(GapFill=Y, MsgSeqNum=runStart,
// NewSeqNo=newSeqNo) (§4.4, §9 Header re-stamping).
func buildGapFill(runStart, newSeqNo int) *fixmsg.Message {
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeSequenceReset)
	m.SetField(fixdict.TagGapFillFlag, "Y")
	m.SetFieldInt(fixdict.TagMsgSeqNum, runStart)
	m.SetFieldInt(fixdict.TagNewSeqNo, newSeqNo)
	return m
}

// stripForReplay clones m, strips the header fields the codec re-stamps
// fresh, and marks it PossDupFlag=Y, preserving MsgSeqNum (§4.4, §9).
func stripForReplay(m *fixmsg.Message) *fixmsg.Message {
	clone := m.Clone()
	clone.RemoveField(fixdict.TagBeginString)
	clone.RemoveField(fixdict.TagBodyLength)
	clone.RemoveField(fixdict.TagSendingTime)
	clone.RemoveField(fixdict.TagSenderCompID)
	clone.RemoveField(fixdict.TagTargetCompID)
	clone.RemoveField(fixdict.TagCheckSum)
	clone.SetField(fixdict.TagPossDupFlag, "Y")
	return clone
}

// -------------------------------------------------------------------------
// Outbound
// -------------------------------------------------------------------------

// sendAll sends every response in order (§4.4 step 4).
func (ch *ConnectionHandler) sendAll(responses []*fixmsg.Message) {
	for _, r := range responses {
		ch.sendMessage(r)
	}
}

// sendMessage encodes msg, writes it to the socket, persists it, and
// notifies outbound observers only after successful persistence (§4.4
// Observers).
func (ch *ConnectionHandler) sendMessage(msg *fixmsg.Message) error {
	if ch.session == nil || (ch.state != fixfsm.StateConnected && ch.state != fixfsm.StateLoggedIn) {
		return fmt.Errorf("fixengine: send while not connected")
	}

	frame, err := fixcodec.Encode(msg, ch.session, ch.now())
	if err != nil {
		return fmt.Errorf("fixengine: encode: %w", err)
	}

	if _, err := ch.conn.Write(frame); err != nil {
		return fmt.Errorf("fixengine: write: %w", err)
	}

	if ch.engine.Journal != nil {
		if err := ch.engine.Journal.PersistMsg(ch.session, journal.DirectionOutbound, msg); err != nil {
			ch.engine.Logger.Warn("fixengine: outbound persist failed", "error", err)
			return nil
		}
	}

	ch.notify(msg, journal.DirectionOutbound)
	return nil
}

// Close tears down the connection, cancels its timers, and records the
// terminal FSM transition.
func (ch *ConnectionHandler) Close() {
	result := fixfsm.ApplyEvent(ch.state, fixfsm.EventDisconnect)
	ch.applyFSMResult(result)
	ch.pendingClose = false
	ch.conn.Close()
	ch.engine.unregisterHandler(ch)
}
