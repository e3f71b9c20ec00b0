package engine

import (
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/goleak"

	"github.com/example/gofix/internal/fixcodec"
	"github.com/example/gofix/internal/fixdict"
	"github.com/example/gofix/internal/fixfsm"
	"github.com/example/gofix/internal/fixmsg"
	"github.com/example/gofix/internal/fixsession"
	"github.com/example/gofix/internal/journal"
	fixmetrics "github.com/example/gofix/internal/metrics"
	"github.com/example/gofix/internal/reactor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	j, err := journal.Open("")
	if err != nil {
		t.Fatalf("journal.Open() error: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New() error: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	e, err := New(fixdict.Default(), j, r, nil, slog.Default())
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}
	return e
}

// recvFrames reads conn on a background goroutine until it is closed,
// delivering the bytes of each Read to the returned channel, so a
// synchronous net.Pipe Write on the handler side can complete.
func recvFrames(t *testing.T, conn net.Conn) <-chan []byte {
	t.Helper()
	out := make(chan []byte, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				close(out)
				return
			}
			cp := make([]byte, n)
			copy(cp, buf[:n])
			out <- cp
		}
	}()
	return out
}

func waitFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case f, ok := <-ch:
		if !ok {
			t.Fatal("frame channel closed before a frame arrived")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func newLogonMsg(seqNo int, senderCompID, targetCompID string, heartBtInt int) *fixmsg.Message {
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeLogon)
	m.SetFieldInt(fixdict.TagMsgSeqNum, seqNo)
	m.SetField(fixdict.TagSenderCompID, senderCompID)
	m.SetField(fixdict.TagTargetCompID, targetCompID)
	m.SetFieldInt(fixdict.TagHeartBtInt, heartBtInt)
	m.SetFieldInt(fixdict.TagEncryptMethod, 0)
	return m
}

// TestLogonHandshakeAcceptor covers scenario S3: an acceptor receiving an
// inbound Logon creates its session (with the sender/target CompID
// swap), replies with its own Logon, and transitions to LoggedIn.
func TestLogonHandshakeAcceptor(t *testing.T) {
	e := newTestEngine(t)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	ch := newConnectionHandler(e, serverConn, RoleAcceptor, nil)
	frames := recvFrames(t, clientConn)

	inbound := newLogonMsg(1, "CPTY", "US", 30)
	ch.processInboundMessage(inbound)

	frame := waitFrame(t, frames)
	msg, _, err := fixcodec.Decode(frame, e.Dict)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if msg.MsgType() != fixdict.MsgTypeLogon {
		t.Fatalf("reply MsgType = %q, want Logon", msg.MsgType())
	}

	if ch.state != fixfsm.StateLoggedIn {
		t.Errorf("state = %v, want LoggedIn", ch.state)
	}
	if ch.session == nil {
		t.Fatal("session is nil after Logon")
	}
	if got, want := ch.session.SenderCompID(), "US"; got != want {
		t.Errorf("SenderCompID = %q, want %q (sender/target swap)", got, want)
	}
	if got, want := ch.session.TargetCompID(), "CPTY"; got != want {
		t.Errorf("TargetCompID = %q, want %q (sender/target swap)", got, want)
	}
}

// TestGapDetectionTriggersResendRequest covers scenario S4: an inbound
// message with a MsgSeqNum ahead of what's expected produces a
// ResendRequest instead of being delivered to observers.
func TestGapDetectionTriggersResendRequest(t *testing.T) {
	e := newTestEngine(t)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	sess, err := fixsession.New("US", "CPTY")
	if err != nil {
		t.Fatalf("fixsession.New() error: %v", err)
	}

	ch := newConnectionHandler(e, serverConn, RoleAcceptor, sess)
	ch.state = fixfsm.StateLoggedIn
	frames := recvFrames(t, clientConn)

	var delivered bool
	ch.AddMessageHandler(func(*fixmsg.Message, journal.Direction) { delivered = true }, nil, nil)

	order := fixmsg.New()
	order.SetField(fixdict.TagMsgType, fixdict.MsgTypeNewOrderSingle)
	order.SetFieldInt(fixdict.TagMsgSeqNum, 5)
	order.SetField(fixdict.TagSenderCompID, "CPTY")
	order.SetField(fixdict.TagTargetCompID, "US")

	ch.processInboundMessage(order)

	frame := waitFrame(t, frames)
	msg, _, err := fixcodec.Decode(frame, e.Dict)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if msg.MsgType() != fixdict.MsgTypeResendRequest {
		t.Fatalf("reply MsgType = %q, want ResendRequest", msg.MsgType())
	}
	if begin, _ := msg.GetFieldInt(fixdict.TagBeginSeqNo); begin != 1 {
		t.Errorf("BeginSeqNo = %d, want 1", begin)
	}
	if delivered {
		t.Error("gapped message was delivered to observers, want withheld")
	}
}

// TestResendRequestReplayComposition covers scenario S5 and the §8
// resend-composition law: runs of ineligible messages collapse into a
// single gap-fill SequenceReset, and eligible application messages are
// replayed with PossDupFlag=Y, preserving MsgSeqNum.
func TestResendRequestReplayComposition(t *testing.T) {
	e := newTestEngine(t)

	sess, err := e.Journal.CreateSession("US", "CPTY")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	store := func(msgType string, seqNo int) {
		m := fixmsg.New()
		m.SetField(fixdict.TagMsgType, msgType)
		m.SetFieldInt(fixdict.TagMsgSeqNum, seqNo)
		if err := e.Journal.PersistMsg(sess, journal.DirectionOutbound, m); err != nil {
			t.Fatalf("PersistMsg(%s, %d) error: %v", msgType, seqNo, err)
		}
	}

	store(fixdict.MsgTypeHeartbeat, 2)
	store(fixdict.MsgTypeNewOrderSingle, 3)
	store(fixdict.MsgTypeHeartbeat, 4)
	store(fixdict.MsgTypeNewOrderSingle, 5)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	ch := newConnectionHandler(e, serverConn, RoleAcceptor, sess)
	ch.state = fixfsm.StateLoggedIn

	req := fixmsg.New()
	req.SetField(fixdict.TagMsgType, fixdict.MsgTypeResendRequest)
	req.SetFieldInt(fixdict.TagBeginSeqNo, 2)
	req.SetFieldInt(fixdict.TagEndSeqNo, 0)

	responses := ch.handleResendRequest(req)
	if len(responses) != 4 {
		t.Fatalf("got %d responses, want 4", len(responses))
	}

	checkGapFill := func(m *fixmsg.Message, wantMsgSeqNum, wantNewSeqNo int) {
		t.Helper()
		if m.MsgType() != fixdict.MsgTypeSequenceReset {
			t.Errorf("MsgType = %q, want SequenceReset", m.MsgType())
		}
		if gf, _ := m.GetField(fixdict.TagGapFillFlag); gf != "Y" {
			t.Errorf("GapFillFlag = %q, want Y", gf)
		}
		if got, _ := m.GetFieldInt(fixdict.TagMsgSeqNum); got != wantMsgSeqNum {
			t.Errorf("MsgSeqNum = %d, want %d", got, wantMsgSeqNum)
		}
		if got, _ := m.GetFieldInt(fixdict.TagNewSeqNo); got != wantNewSeqNo {
			t.Errorf("NewSeqNo = %d, want %d", got, wantNewSeqNo)
		}
	}

	checkPossDup := func(m *fixmsg.Message, wantMsgSeqNum int) {
		t.Helper()
		if m.MsgType() != fixdict.MsgTypeNewOrderSingle {
			t.Errorf("MsgType = %q, want NewOrderSingle", m.MsgType())
		}
		if pd, _ := m.GetField(fixdict.TagPossDupFlag); pd != "Y" {
			t.Errorf("PossDupFlag = %q, want Y", pd)
		}
		if got, _ := m.GetFieldInt(fixdict.TagMsgSeqNum); got != wantMsgSeqNum {
			t.Errorf("MsgSeqNum = %d, want %d", got, wantMsgSeqNum)
		}
	}

	checkGapFill(responses[0], 2, 3)
	checkPossDup(responses[1], 3)
	checkGapFill(responses[2], 4, 5)
	checkPossDup(responses[3], 5)
}

// TestResendRequestDeclinedApplicationMessageCollapses verifies that an
// application message the app declines to resend joins the gap-fill run
// rather than being replayed.
func TestResendRequestDeclinedApplicationMessageCollapses(t *testing.T) {
	e := newTestEngine(t)

	sess, err := e.Journal.CreateSession("US", "CPTY")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	for _, seqNo := range []int{2, 3, 4} {
		m := fixmsg.New()
		m.SetField(fixdict.TagMsgType, fixdict.MsgTypeNewOrderSingle)
		m.SetFieldInt(fixdict.TagMsgSeqNum, seqNo)
		if err := e.Journal.PersistMsg(sess, journal.DirectionOutbound, m); err != nil {
			t.Fatalf("PersistMsg(%d) error: %v", seqNo, err)
		}
	}

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	ch := newConnectionHandler(e, serverConn, RoleAcceptor, sess)
	ch.state = fixfsm.StateLoggedIn
	ch.SetShouldResend(func(m *fixmsg.Message) bool {
		seqNo, _ := m.GetFieldInt(fixdict.TagMsgSeqNum)
		return seqNo != 3
	})

	req := fixmsg.New()
	req.SetField(fixdict.TagMsgType, fixdict.MsgTypeResendRequest)
	req.SetFieldInt(fixdict.TagBeginSeqNo, 2)
	req.SetFieldInt(fixdict.TagEndSeqNo, 0)

	responses := ch.handleResendRequest(req)
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3", len(responses))
	}
	if responses[0].MsgType() != fixdict.MsgTypeNewOrderSingle {
		t.Errorf("responses[0] MsgType = %q, want NewOrderSingle (seqNo 2)", responses[0].MsgType())
	}
	if gf, _ := responses[1].GetField(fixdict.TagGapFillFlag); gf != "Y" {
		t.Errorf("responses[1] GapFillFlag = %q, want Y (declined seqNo 3)", gf)
	}
	if responses[2].MsgType() != fixdict.MsgTypeNewOrderSingle {
		t.Errorf("responses[2] MsgType = %q, want NewOrderSingle (seqNo 4)", responses[2].MsgType())
	}
}

// TestInboundLogoutClosesSocket covers §4.4 "Logout: enter LOGGED_OUT,
// close the socket": an inbound Logout must tear down the connection,
// not merely change state.
func TestInboundLogoutClosesSocket(t *testing.T) {
	e := newTestEngine(t)

	sess, err := fixsession.New("US", "CPTY")
	if err != nil {
		t.Fatalf("fixsession.New() error: %v", err)
	}

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close() })

	ch := newConnectionHandler(e, serverConn, RoleAcceptor, sess)
	ch.state = fixfsm.StateLoggedIn

	logout := fixmsg.New()
	logout.SetField(fixdict.TagMsgType, fixdict.MsgTypeLogout)
	logout.SetFieldInt(fixdict.TagMsgSeqNum, 1)
	logout.SetField(fixdict.TagSenderCompID, "CPTY")
	logout.SetField(fixdict.TagTargetCompID, "US")

	ch.processInboundMessage(logout)

	if ch.state != fixfsm.StateLoggedOut {
		t.Errorf("state = %v, want LoggedOut", ch.state)
	}

	// The handler side of the pipe must be closed: a write from our end
	// now fails instead of blocking forever on an unread net.Pipe.
	if _, err := serverConn.Write([]byte("x")); err == nil {
		t.Error("write on server conn after inbound Logout succeeded, want closed connection")
	}
}

// TestMissingMsgTypeYieldsReject covers §4 Reject support: an inbound
// message lacking tag 35 entirely cannot be dispatched and must produce
// Reject(35=3) naming tag 35 via RefTagID.
func TestMissingMsgTypeYieldsReject(t *testing.T) {
	e := newTestEngine(t)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	ch := newConnectionHandler(e, serverConn, RoleAcceptor, nil)
	frames := recvFrames(t, clientConn)

	bare := fixmsg.New()
	bare.SetFieldInt(fixdict.TagMsgSeqNum, 1)
	ch.processInboundMessage(bare)

	frame := waitFrame(t, frames)
	msg, _, err := fixcodec.Decode(frame, e.Dict)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if msg.MsgType() != fixdict.MsgTypeReject {
		t.Fatalf("reply MsgType = %q, want Reject", msg.MsgType())
	}
	if tag, _ := msg.GetFieldInt(fixdict.TagRefTagID); tag != fixdict.TagMsgType {
		t.Errorf("RefTagID = %d, want %d", tag, fixdict.TagMsgType)
	}
}

// TestUnparseableHeartBtIntYieldsReject covers the other Reject trigger:
// a known session tag present but not parseable as an integer.
func TestUnparseableHeartBtIntYieldsReject(t *testing.T) {
	e := newTestEngine(t)

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	ch := newConnectionHandler(e, serverConn, RoleAcceptor, nil)
	frames := recvFrames(t, clientConn)

	logon := fixmsg.New()
	logon.SetField(fixdict.TagMsgType, fixdict.MsgTypeLogon)
	logon.SetFieldInt(fixdict.TagMsgSeqNum, 1)
	logon.SetField(fixdict.TagSenderCompID, "CPTY")
	logon.SetField(fixdict.TagTargetCompID, "US")
	logon.SetField(fixdict.TagHeartBtInt, "not-a-number")
	ch.processInboundMessage(logon)

	frame := waitFrame(t, frames)
	msg, _, err := fixcodec.Decode(frame, e.Dict)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if msg.MsgType() != fixdict.MsgTypeReject {
		t.Fatalf("reply MsgType = %q, want Reject", msg.MsgType())
	}
	if tag, _ := msg.GetFieldInt(fixdict.TagRefTagID); tag != fixdict.TagHeartBtInt {
		t.Errorf("RefTagID = %d, want %d", tag, fixdict.TagHeartBtInt)
	}
	if refMsgType, _ := msg.GetField(fixdict.TagRefMsgType); refMsgType != fixdict.MsgTypeLogon {
		t.Errorf("RefMsgType = %q, want Logon", refMsgType)
	}
	if ch.state == fixfsm.StateLoggedIn {
		t.Error("state advanced to LoggedIn on a rejected Logon, want unchanged")
	}
}

// TestInitiatorSendLogonEmitsLogonFrame covers §3/§4.4: an initiator
// begins the handshake by emitting the first Logon, rather than waiting
// on the peer.
func TestInitiatorSendLogonEmitsLogonFrame(t *testing.T) {
	e := newTestEngine(t)

	sess, err := fixsession.New("US", "CPTY")
	if err != nil {
		t.Fatalf("fixsession.New() error: %v", err)
	}

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	ch := newConnectionHandler(e, serverConn, RoleInitiator, sess)
	frames := recvFrames(t, clientConn)

	if err := ch.SendLogon(30 * time.Second); err != nil {
		t.Fatalf("SendLogon() error: %v", err)
	}

	frame := waitFrame(t, frames)
	msg, _, err := fixcodec.Decode(frame, e.Dict)
	if err != nil {
		t.Fatalf("decode outbound frame: %v", err)
	}
	if msg.MsgType() != fixdict.MsgTypeLogon {
		t.Fatalf("MsgType = %q, want Logon", msg.MsgType())
	}
	if hb, _ := msg.GetFieldInt(fixdict.TagHeartBtInt); hb != 30 {
		t.Errorf("HeartBtInt = %d, want 30", hb)
	}
}

// TestMetricsWiredThroughHandshake covers the metrics-wiring review item:
// a Logon handshake must move the Prometheus counters/gauges the teacher
// wires in its own session/manager/echo paths, not leave the collector
// decorative.
func TestMetricsWiredThroughHandshake(t *testing.T) {
	j, err := journal.Open("")
	if err != nil {
		t.Fatalf("journal.Open() error: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New() error: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	reg := prometheus.NewRegistry()
	m := fixmetrics.NewCollector(reg)

	e, err := New(fixdict.Default(), j, r, m, slog.Default())
	if err != nil {
		t.Fatalf("engine.New() error: %v", err)
	}

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })

	ch := newConnectionHandler(e, serverConn, RoleAcceptor, nil)
	frames := recvFrames(t, clientConn)

	ch.processInboundMessage(newLogonMsg(1, "CPTY", "US", 30))
	waitFrame(t, frames)

	if got := gaugeValue(t, m.LoggedInSessions, ch.sessionLabel()); got != 1 {
		t.Errorf("LoggedInSessions(%s) = %v, want 1", ch.sessionLabel(), got)
	}
	if got := counterValue(t, m.StateTransitions, ch.sessionLabel(), fixfsm.StateConnected.String(), fixfsm.StateLoggedIn.String()); got != 1 {
		t.Errorf("StateTransitions(Connected->LoggedIn) = %v, want 1", got)
	}
	if got := counterValue(t, m.Messages, ch.sessionLabel(), fixmetrics.DirectionInbound, fixdict.MsgTypeLogon); got != 1 {
		t.Errorf("Messages(inbound,Logon) = %v, want 1", got)
	}
	if got := counterValue(t, m.Messages, ch.sessionLabel(), fixmetrics.DirectionOutbound, fixdict.MsgTypeLogon); got != 1 {
		t.Errorf("Messages(outbound,Logon) = %v, want 1", got)
	}
}

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	out := &dto.Metric{}
	if err := gauge.Write(out); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return out.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	out := &dto.Metric{}
	if err := counter.Write(out); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	return out.GetCounter().GetValue()
}
