// Package fixcodec encodes and decodes FIX 4.4 wire frames: SOH-delimited
// tag=value pairs framed by BeginString/BodyLength and trailed by
// CheckSum, with repeating groups reconstructed via a stack of open
// group contexts (the wire format has no length-delimited repetitions).
package fixcodec

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/example/gofix/internal/fixdict"
	"github.com/example/gofix/internal/fixmsg"
)

// SOH is the FIX field separator byte.
const SOH = '\x01'

// sendingTimeLayout formats tag 52 as UTC "YYYYMMDD-HH:MM:SS.mmm".
const sendingTimeLayout = "20060102-15:04:05.000"

// Sentinel errors. These are the EncodingError / DecodingError kinds of
// the engine's error taxonomy.
var (
	ErrMissingMsgSeqNum = errors.New("fixcodec: message requires an explicit MsgSeqNum")
	ErrMissingBodyLength = errors.New("fixcodec: frame is missing a BodyLength field")
	ErrMissingBeginString = errors.New("fixcodec: frame is missing a BeginString field")
	ErrBadChecksum       = errors.New("fixcodec: checksum mismatch")
)

// SeqSource is the slice of Session the codec needs to stamp outbound
// sequence numbers and identity fields.
type SeqSource interface {
	SenderCompID() string
	TargetCompID() string
	AllocateSndSeqNo() int
	NextSndSeqNo() int
}

// headerTags are the fields the encoder stamps itself; they are excluded
// from the "every user-set tag in insertion order" pass over the message.
var headerTags = map[int]bool{
	fixdict.TagBeginString:   true,
	fixdict.TagBodyLength:    true,
	fixdict.TagMsgType:       true,
	fixdict.TagCheckSum:      true,
	fixdict.TagSenderCompID:  true,
	fixdict.TagTargetCompID:  true,
	fixdict.TagMsgSeqNum:     true,
	fixdict.TagSendingTime:   true,
}

// Encode renders msg as a wire frame against sess's identity and
// sequence-number state, stamping BeginString/BodyLength/CheckSum and
// the header fields SenderCompID/TargetCompID/MsgSeqNum/SendingTime.
// The resolved MsgSeqNum is also set on msg itself, so the caller can
// journal msg under the number it was sent with.
func Encode(msg *fixmsg.Message, sess SeqSource, now time.Time) ([]byte, error) {
	msgType := msg.MsgType()

	seqNo, err := resolveSeqNo(msg, msgType, sess)
	if err != nil {
		return nil, err
	}
	msg.SetFieldInt(fixdict.TagMsgSeqNum, seqNo)

	var body strings.Builder
	writeField(&body, fixdict.TagMsgType, msgType)
	writeField(&body, fixdict.TagSenderCompID, sess.SenderCompID())
	writeField(&body, fixdict.TagTargetCompID, sess.TargetCompID())
	writeField(&body, fixdict.TagMsgSeqNum, strconv.Itoa(seqNo))
	writeField(&body, fixdict.TagSendingTime, now.UTC().Format(sendingTimeLayout))

	for _, tag := range msg.Tags() {
		if headerTags[tag] {
			continue
		}
		writeMessageField(&body, msg, tag)
	}

	bodyStr := body.String()

	var frame strings.Builder
	writeField(&frame, fixdict.TagBeginString, fixdict.BeginString)
	writeField(&frame, fixdict.TagBodyLength, strconv.Itoa(len(bodyStr)))
	frame.WriteString(bodyStr)

	sum := checksum(frame.String())
	fmt.Fprintf(&frame, "%d=%03d%c", fixdict.TagCheckSum, sum, SOH)

	return []byte(frame.String()), nil
}

// resolveSeqNo implements the §4.2 sequence-number rule for encoding.
func resolveSeqNo(msg *fixmsg.Message, msgType string, sess SeqSource) (int, error) {
	gapFill, _ := msg.GetField(fixdict.TagGapFillFlag)
	possDup, _ := msg.GetField(fixdict.TagPossDupFlag)

	switch {
	case msgType == fixdict.MsgTypeSequenceReset && gapFill == "Y":
		seq, ok := msg.GetFieldInt(fixdict.TagMsgSeqNum)
		if !ok {
			return 0, fmt.Errorf("%w: gap-fill SequenceReset", ErrMissingMsgSeqNum)
		}
		return seq, nil

	case msgType == fixdict.MsgTypeSequenceReset:
		seq, ok := msg.GetFieldInt(fixdict.TagMsgSeqNum)
		if !ok {
			return 0, fmt.Errorf("%w: SequenceReset", ErrMissingMsgSeqNum)
		}
		msg.SetFieldInt(fixdict.TagNewSeqNo, sess.NextSndSeqNo())
		return seq, nil

	case possDup == "Y":
		seq, ok := msg.GetFieldInt(fixdict.TagMsgSeqNum)
		if !ok {
			return 0, fmt.Errorf("%w: PossDupFlag=Y message", ErrMissingMsgSeqNum)
		}
		return seq, nil

	default:
		return sess.AllocateSndSeqNo(), nil
	}
}

func writeField(b *strings.Builder, tag int, value string) {
	fmt.Fprintf(b, "%d=%s%c", tag, value, SOH)
}

// writeMessageField renders tag's field from m, recursing into
// repeating groups: the count tag (rendered as the repetition count)
// followed by each repetition's own fields in insertion order.
func writeMessageField(b *strings.Builder, m *fixmsg.Message, tag int) {
	if groups := m.Groups(tag); groups != nil {
		fmt.Fprintf(b, "%d=%d%c", tag, len(groups), SOH)
		for _, rep := range groups {
			for _, childTag := range rep.Tags() {
				writeMessageField(b, rep, childTag)
			}
		}
		return
	}
	v, _ := m.GetField(tag)
	writeField(b, tag, v)
}

// checksum returns sum(bytes) mod 256.
func checksum(s string) int {
	sum := 0
	for i := 0; i < len(s); i++ {
		sum += int(s[i])
	}
	return sum % 256
}

// -------------------------------------------------------------------------
// Decode
// -------------------------------------------------------------------------

// Decode attempts to parse one frame from the front of buf. It returns
// the decoded message and the number of bytes consumed. If buf does not
// yet hold a complete frame, it returns (nil, 0, nil) and the caller
// retains the buffer for the next readiness event.
func Decode(buf []byte, dict *fixdict.Dictionary) (*fixmsg.Message, int, error) {
	beginEnd := bytes.IndexByte(buf, SOH)
	if beginEnd < 0 {
		return nil, 0, nil
	}
	beginField := buf[:beginEnd]
	beginTag, beginVal, ok := splitTagValue(beginField)
	if !ok || beginTag != fixdict.TagBeginString {
		return nil, 0, fmt.Errorf("%w", ErrMissingBeginString)
	}

	rest := buf[beginEnd+1:]
	bodyLenEnd := bytes.IndexByte(rest, SOH)
	if bodyLenEnd < 0 {
		return nil, 0, nil
	}
	bodyLenField := rest[:bodyLenEnd]
	bodyLenTag, bodyLenVal, ok := splitTagValue(bodyLenField)
	if !ok || bodyLenTag != fixdict.TagBodyLength {
		return nil, 0, fmt.Errorf("%w", ErrMissingBodyLength)
	}

	n, err := strconv.Atoi(bodyLenVal)
	if err != nil {
		return nil, 0, fmt.Errorf("fixcodec: bad BodyLength %q: %w", bodyLenVal, err)
	}

	beginFieldLen := beginEnd + 1
	bodyLenFieldLen := bodyLenEnd + 1
	trailerLen := len("10=000") + 1

	totalLen := beginFieldLen + bodyLenFieldLen + n + trailerLen
	if len(buf) < totalLen {
		return nil, 0, nil
	}

	frame := buf[:totalLen]
	bodyStart := beginFieldLen + bodyLenFieldLen
	bodyEnd := bodyStart + n
	body := frame[bodyStart:bodyEnd]
	trailer := frame[bodyEnd:]

	checksumSpan := frame[:bodyEnd]
	computed := checksum(string(checksumSpan))

	// Checksum mismatch is a warning, not fatal: be liberal in what is
	// accepted (§4.2, §7 DecodingError policy).
	trailerTag, trailerVal, ok := splitTagValue(trailer[:len(trailer)-1])
	if !ok || trailerTag != fixdict.TagCheckSum {
		slog.Warn("fixcodec: malformed checksum field", "field", string(trailer))
	} else if parsed, err := strconv.Atoi(trailerVal); err != nil || parsed != computed {
		slog.Warn("fixcodec: checksum mismatch", "parsed", trailerVal, "computed", computed)
	}

	msg := fixmsg.New()
	msg.SetField(fixdict.TagBeginString, beginVal)
	msg.SetField(fixdict.TagBodyLength, bodyLenVal)

	if err := parseBody(msg, body, dict); err != nil {
		return nil, 0, err
	}

	return msg, totalLen, nil
}

// splitTagValue splits a "tag=value" field (without its trailing SOH)
// into its numeric tag and string value.
func splitTagValue(field []byte) (int, string, bool) {
	eq := bytes.IndexByte(field, '=')
	if eq < 0 {
		return 0, "", false
	}
	tag, err := strconv.Atoi(string(field[:eq]))
	if err != nil {
		return 0, "", false
	}
	return tag, string(field[eq+1:]), true
}

// groupFrame tracks one open repeating-group context during body parsing.
type groupFrame struct {
	groupTag  int
	childSet  map[int]bool
	container *fixmsg.Message
	rep       *fixmsg.Message
}

// parseBody splits body on SOH into tag=value pairs and reconstructs
// repeating groups via a stack of open groupFrames, per §4.2 / §9.
func parseBody(root *fixmsg.Message, body []byte, dict *fixdict.Dictionary) error {
	var stack []*groupFrame

	place := func(tag int) *fixmsg.Message {
		for len(stack) > 0 {
			top := stack[len(stack)-1]
			if !top.childSet[tag] {
				stack = stack[:len(stack)-1]
				continue
			}
			if top.rep == nil || top.rep.Has(tag) {
				top.rep = top.container.AddGroup(top.groupTag)
			}
			return top.rep
		}
		return root
	}

	for _, raw := range bytes.Split(body, []byte{SOH}) {
		if len(raw) == 0 {
			continue
		}
		tag, value, ok := splitTagValue(raw)
		if !ok {
			continue // malformed field: warn-and-carry is not representable as opaque here; skip.
		}

		container := place(tag)

		if children, isGroup := dict.GroupChildren(tag); isGroup {
			childSet := make(map[int]bool, len(children))
			for _, c := range children {
				childSet[c] = true
			}
			stack = append(stack, &groupFrame{
				groupTag:  tag,
				childSet:  childSet,
				container: container,
			})
			continue
		}

		container.SetField(tag, value)
	}

	return nil
}
