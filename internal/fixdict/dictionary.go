// Package fixdict holds the static FIX 4.4 protocol data this engine
// acts on: tag name table, message-type codes, the set of session-level
// message types, and the repeating-group parent-tag to child-tag-set
// table the codec needs to reconstruct nested groups unambiguously.
//
// This is data, not logic -- it carries only the tags exercised by the
// session layer and the example application messages (NewOrderSingle,
// ExecutionReport), not an exhaustive rendition of the FIX 4.4 spec.
package fixdict

import (
	"fmt"
	"strings"

	"github.com/example/gofix/internal/fixmsg"
)

// Header, trailer and session-layer tag numbers.
const (
	TagBeginString = 8
	TagBodyLength  = 9
	TagMsgType     = 35
	TagCheckSum    = 10

	TagSenderCompID = 49
	TagTargetCompID = 56
	TagMsgSeqNum    = 34
	TagSendingTime  = 52
	TagPossDupFlag  = 43

	TagEncryptMethod    = 98
	TagHeartBtInt       = 108
	TagResetSeqNumFlag  = 141
	TagTestReqID        = 112
	TagBeginSeqNo       = 7
	TagEndSeqNo         = 16
	TagNewSeqNo         = 36
	TagGapFillFlag      = 123
	TagRefSeqNum        = 45
	TagRefTagID         = 371
	TagRefMsgType       = 372
	TagText             = 58
)

// BeginString is the protocol version string stamped in every frame.
const BeginString = "FIX.4.4"

// Session message type codes (tag 35 values).
const (
	MsgTypeHeartbeat      = "0"
	MsgTypeTestRequest    = "1"
	MsgTypeResendRequest  = "2"
	MsgTypeReject         = "3"
	MsgTypeSequenceReset  = "4"
	MsgTypeLogout         = "5"
	MsgTypeLogon          = "A"
)

// Example application message types carried by the engine's test
// harness and the scenarios in its test suite.
const (
	MsgTypeNewOrderSingle  = "D"
	MsgTypeExecutionReport = "8"
)

// Dictionary holds the repeating-group schema and the session-message-type
// set consulted by the codec and the ConnectionHandler.
type Dictionary struct {
	// groupChildren maps a group-count tag to the ordered set of child
	// tags permitted within each repetition of that group.
	groupChildren map[int][]int

	// sessionMsgTypes is the set of MsgType(35) values the
	// ConnectionHandler intercepts itself rather than passing to
	// application observers.
	sessionMsgTypes map[string]bool

	// tagNames maps the tag numbers this engine actually exercises to
	// their symbolic names, for diagnostics. The exhaustive FIX 4.4
	// tag↔name table remains an external-collaborator concern (spec §1);
	// this covers only the session-layer and example application tags.
	tagNames map[int]string
}

// Default returns the dictionary used by the engine's test harness:
// NewOrderSingle's NoStrategyParameters(444) group, and a three-level
// nested-group shape (legs -> parties -> party sub-IDs) exercised by
// the engine's decode tests.
func Default() *Dictionary {
	d := &Dictionary{
		groupChildren: map[int][]int{
			// NoStrategyParameters(444): StrategyParameterName(611),
			// StrategyParameterType(612), StrategyParameterValue(613).
			444: {611, 612, 613},

			// NoLegs(555): LegSymbol(600), LegSide(624), and a nested
			// NoPartyIDs(453) group per leg.
			555: {600, 624, 453},

			// NoPartyIDs(453): PartyID(448), PartyIDSource(447),
			// PartyRole(452), and a nested NoPartySubIDs(802) group.
			453: {448, 447, 452, 802},

			// NoPartySubIDs(802): PartySubID(523), PartySubIDType(803).
			802: {523, 803},
		},
		sessionMsgTypes: map[string]bool{
			MsgTypeHeartbeat:     true,
			MsgTypeTestRequest:   true,
			MsgTypeResendRequest: true,
			MsgTypeReject:        true,
			MsgTypeSequenceReset: true,
			MsgTypeLogout:        true,
			MsgTypeLogon:         true,
		},
		tagNames: map[int]string{
			TagBeginString:     "BeginString",
			TagBodyLength:      "BodyLength",
			TagMsgType:         "MsgType",
			TagCheckSum:        "CheckSum",
			TagSenderCompID:    "SenderCompID",
			TagTargetCompID:    "TargetCompID",
			TagMsgSeqNum:       "MsgSeqNum",
			TagSendingTime:     "SendingTime",
			TagPossDupFlag:     "PossDupFlag",
			TagEncryptMethod:   "EncryptMethod",
			TagHeartBtInt:      "HeartBtInt",
			TagResetSeqNumFlag: "ResetSeqNumFlag",
			TagTestReqID:       "TestReqID",
			TagBeginSeqNo:      "BeginSeqNo",
			TagEndSeqNo:        "EndSeqNo",
			TagNewSeqNo:        "NewSeqNo",
			TagGapFillFlag:     "GapFillFlag",
			TagRefSeqNum:       "RefSeqNum",
			TagRefTagID:        "RefTagID",
			TagRefMsgType:      "RefMsgType",
			TagText:            "Text",
		},
	}
	return d
}

// TagName returns the symbolic name of tag, if known.
func (d *Dictionary) TagName(tag int) (string, bool) {
	name, ok := d.tagNames[tag]
	return name, ok
}

// GroupChildren returns the ordered child-tag set for a group-count tag,
// and whether groupTag is known to the dictionary as a group.
func (d *Dictionary) GroupChildren(groupTag int) ([]int, bool) {
	children, ok := d.groupChildren[groupTag]
	return children, ok
}

// IsGroupTag reports whether tag is a known repeating-group count tag.
func (d *Dictionary) IsGroupTag(tag int) bool {
	_, ok := d.groupChildren[tag]
	return ok
}

// IsSessionMessage reports whether msgType is handled by the
// ConnectionHandler itself rather than dispatched to application
// observers.
func (d *Dictionary) IsSessionMessage(msgType string) bool {
	return d.sessionMsgTypes[msgType]
}

// Describe renders msg like Message.DebugString, but substitutes the
// symbolic name for every tag the dictionary knows, falling back to the
// bare tag number otherwise. A group field is rendered as its
// repetition count only ("name=N{group}"); its repetitions are not
// expanded. Intended for logs, not the wire.
func (d *Dictionary) Describe(msg *fixmsg.Message) string {
	var b strings.Builder
	for i, tag := range msg.Tags() {
		if i > 0 {
			b.WriteByte('|')
		}
		label := fmt.Sprintf("%d", tag)
		if name, ok := d.tagNames[tag]; ok {
			label = name
		}
		if v, ok := msg.GetField(tag); ok {
			fmt.Fprintf(&b, "%s=%s", label, v)
			continue
		}
		fmt.Fprintf(&b, "%s=%d{group}", label, len(msg.Groups(tag)))
	}
	return b.String()
}
