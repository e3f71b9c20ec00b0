package fixcodec_test

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/example/gofix/internal/fixcodec"
	"github.com/example/gofix/internal/fixdict"
	"github.com/example/gofix/internal/fixmsg"
)

// stubSession is a minimal fixcodec.SeqSource for codec tests.
type stubSession struct {
	sender string
	target string
	next   int
}

func (s *stubSession) SenderCompID() string { return s.sender }
func (s *stubSession) TargetCompID() string { return s.target }
func (s *stubSession) NextSndSeqNo() int    { return s.next }
func (s *stubSession) AllocateSndSeqNo() int {
	n := s.next
	s.next++
	return n
}

func soh(s string) []byte {
	return []byte(strings.ReplaceAll(s, "|", "\x01"))
}

// TestEncodeNewOrderSingle verifies the exact byte layout of a
// NewOrderSingle with a two-entry repeating group against a fixed
// session and sending time.
func TestEncodeNewOrderSingle(t *testing.T) {
	t.Parallel()

	sess := &stubSession{sender: "sender", target: "target", next: 1}

	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeNewOrderSingle)
	m.SetField(44, "123.45")
	m.SetField(38, "9876")
	m.SetField(55, "VOD.L")
	m.SetField(48, "GB00BH4HKS39")
	m.SetField(22, "4")
	m.SetField(1, "TEST")
	m.SetField(21, "1")
	m.SetField(100, "XLON")
	m.SetField(54, "1")
	m.SetField(11, "abcdefg")
	m.SetField(15, "GBP")

	rep1 := m.AddGroup(444)
	rep1.SetField(611, "aaa")
	rep1.SetField(612, "bbb")
	rep1.SetField(613, "ccc")

	rep2 := m.AddGroup(444)
	rep2.SetField(611, "zzz")
	rep2.SetField(612, "yyy")
	rep2.SetField(613, "xxx")

	now := time.Date(2015, 6, 19, 11, 8, 54, 0, time.UTC)

	got, err := fixcodec.Encode(m, sess, now)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	want := soh("8=FIX.4.4|9=201|35=D|49=sender|56=target|34=1|52=20150619-11:08:54.000|" +
		"44=123.45|38=9876|55=VOD.L|48=GB00BH4HKS39|22=4|1=TEST|21=1|100=XLON|54=1|" +
		"11=abcdefg|15=GBP|444=2|611=aaa|612=bbb|613=ccc|611=zzz|612=yyy|613=xxx|10=255|")

	if string(got) != string(want) {
		t.Errorf("Encode() =\n%q\nwant\n%q", got, want)
	}
}

func TestChecksumCorrectness(t *testing.T) {
	t.Parallel()

	sess := &stubSession{sender: "A", target: "B", next: 1}
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeHeartbeat)

	frame, err := fixcodec.Encode(m, sess, time.Now())
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	i := strings.LastIndex(string(frame), "10=")
	if i < 0 {
		t.Fatal("frame missing checksum field")
	}
	before := frame[:i]

	sum := 0
	for _, b := range before {
		sum += int(b)
	}
	want := sum % 256

	tail := string(frame[i+len("10=") : len(frame)-1])
	got, err := strconv.Atoi(tail)
	if err != nil {
		t.Fatalf("parse checksum %q: %v", tail, err)
	}

	if got != want {
		t.Errorf("checksum = %d, want %d", got, want)
	}
}

func TestBodyLengthCorrectness(t *testing.T) {
	t.Parallel()

	sess := &stubSession{sender: "A", target: "B", next: 1}
	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeHeartbeat)

	frame, err := fixcodec.Encode(m, sess, time.Now())
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	s := string(frame)
	afterBegin := strings.IndexByte(s, '\x01') + 1
	bodyLenEnd := strings.IndexByte(s[afterBegin:], '\x01') + afterBegin
	bodyLenField := s[afterBegin:bodyLenEnd]
	eq := strings.IndexByte(bodyLenField, '=')
	n, err := strconv.Atoi(bodyLenField[eq+1:])
	if err != nil {
		t.Fatalf("parse BodyLength %q: %v", bodyLenField, err)
	}

	bodyStart := bodyLenEnd + 1
	checksumIdx := strings.LastIndex(s, "10=")

	if bodyStart+n != checksumIdx {
		t.Errorf("BodyLength %d does not match actual body span: bodyStart=%d checksumIdx=%d", n, bodyStart, checksumIdx)
	}
}

func TestDecodeShortBufferWaitsForMore(t *testing.T) {
	t.Parallel()

	dict := fixdict.Default()
	partial := soh("8=FIX.4.4|9=50|35=")

	msg, n, err := fixcodec.Decode(partial, dict)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if msg != nil || n != 0 {
		t.Errorf("Decode() on short buffer = %v, %d, want nil, 0", msg, n)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	dict := fixdict.Default()
	sess := &stubSession{sender: "CLIENT1", target: "EXCHANGE", next: 7}

	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeExecutionReport)
	m.SetField(55, "VOD.L")

	leg := m.AddGroup(555)
	leg.SetField(600, "AAPL")
	party := leg.AddGroup(453)
	party.SetField(448, "BROKER1")
	sub := party.AddGroup(802)
	sub.SetField(523, "S1")

	frame, err := fixcodec.Encode(m, sess, time.Now())
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	decoded, n, err := fixcodec.Decode(frame, dict)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if n != len(frame) {
		t.Errorf("Decode() consumed %d bytes, want %d", n, len(frame))
	}

	if decoded.MsgType() != fixdict.MsgTypeExecutionReport {
		t.Errorf("MsgType() = %q, want %q", decoded.MsgType(), fixdict.MsgTypeExecutionReport)
	}

	sender, _ := decoded.GetField(fixdict.TagSenderCompID)
	if sender != "CLIENT1" {
		t.Errorf("SenderCompID = %q, want %q", sender, "CLIENT1")
	}

	legs := decoded.Groups(555)
	if len(legs) != 1 {
		t.Fatalf("Groups(555) len = %d, want 1", len(legs))
	}
	parties := legs[0].Groups(453)
	if len(parties) != 1 {
		t.Fatalf("Groups(453) len = %d, want 1", len(parties))
	}
	subs := parties[0].Groups(802)
	if len(subs) != 1 {
		t.Fatalf("Groups(802) len = %d, want 1", len(subs))
	}
}

func TestDecodeNestedGroupBoundaries(t *testing.T) {
	t.Parallel()

	dict := fixdict.Default()
	sess := &stubSession{sender: "A", target: "B", next: 1}

	m := fixmsg.New()
	m.SetField(fixdict.TagMsgType, fixdict.MsgTypeExecutionReport)

	sizes := []int{2, 4, 2}
	for legIdx := 0; legIdx < 2; legIdx++ {
		leg := m.AddGroup(555)
		leg.SetField(600, "SYM")
		for partyIdx := 0; partyIdx < len(sizes); partyIdx++ {
			party := leg.AddGroup(453)
			party.SetField(448, "P")
			for s := 0; s < sizes[partyIdx]; s++ {
				sub := party.AddGroup(802)
				sub.SetFieldInt(523, s)
			}
		}
	}

	frame, err := fixcodec.Encode(m, sess, time.Now())
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	decoded, _, err := fixcodec.Decode(frame, dict)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}

	legs := decoded.Groups(555)
	if len(legs) != 2 {
		t.Fatalf("Groups(555) len = %d, want 2", len(legs))
	}

	for _, leg := range legs {
		parties := leg.Groups(453)
		if len(parties) != len(sizes) {
			t.Fatalf("Groups(453) len = %d, want %d", len(parties), len(sizes))
		}
		for i, party := range parties {
			subs := party.Groups(802)
			if len(subs) != sizes[i] {
				t.Errorf("leg party %d: Groups(802) len = %d, want %d", i, len(subs), sizes[i])
			}
		}
	}
}
