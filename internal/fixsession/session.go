// Package fixsession holds per-connection session identity and
// sequence-number discipline (§4.3): the (SenderCompID, TargetCompID)
// pair and the monotonic outbound/inbound MsgSeqNum counters. A Session
// has no socket and no journal handle; ConnectionHandler and Engine wire
// it to both.
package fixsession

import (
	"errors"
	"fmt"
)

// Errors returned by session identity validation.
var (
	// ErrEmptyCompID indicates a blank SenderCompID or TargetCompID.
	ErrEmptyCompID = errors.New("fixsession: sender and target CompID must not be empty")

	// ErrSameCompID indicates sender and target are identical, which
	// cannot identify a counterparty relationship.
	ErrSameCompID = errors.New("fixsession: sender and target CompID must differ")
)

// Session tracks one counterparty relationship's sequence-number state.
// It implements fixcodec.SeqSource.
type Session struct {
	senderCompID string
	targetCompID string

	// nextSndSeqNo is the MsgSeqNum that will be stamped on the next
	// outbound message.
	nextSndSeqNo int

	// nextExpectedRecvSeqNum is the MsgSeqNum the session expects on the
	// next inbound message.
	nextExpectedRecvSeqNum int
}

// New validates sender/target and returns a Session with both sequence
// counters starting at 1, per §4.3.
func New(senderCompID, targetCompID string) (*Session, error) {
	if err := validateCompIDs(senderCompID, targetCompID); err != nil {
		return nil, err
	}
	return &Session{
		senderCompID:           senderCompID,
		targetCompID:           targetCompID,
		nextSndSeqNo:           1,
		nextExpectedRecvSeqNum: 1,
	}, nil
}

// Restore reconstructs a Session from persisted journal state: the last
// seq number seen in each direction, rather than a fresh 1/1 start.
func Restore(senderCompID, targetCompID string, outboundSeqNo, inboundSeqNo int) (*Session, error) {
	if err := validateCompIDs(senderCompID, targetCompID); err != nil {
		return nil, err
	}
	return &Session{
		senderCompID:           senderCompID,
		targetCompID:           targetCompID,
		nextSndSeqNo:           outboundSeqNo + 1,
		nextExpectedRecvSeqNum: inboundSeqNo + 1,
	}, nil
}

func validateCompIDs(sender, target string) error {
	if sender == "" || target == "" {
		return ErrEmptyCompID
	}
	if sender == target {
		return ErrSameCompID
	}
	return nil
}

// SenderCompID returns this session's own CompID.
func (s *Session) SenderCompID() string { return s.senderCompID }

// TargetCompID returns the counterparty's CompID.
func (s *Session) TargetCompID() string { return s.targetCompID }

// Key returns the (sender, target) identity pair used as the journal and
// sessions-map key, in the canonical "<sender>_<target>" form (§3).
func (s *Session) Key() string {
	return s.senderCompID + "_" + s.targetCompID
}

// AllocateSndSeqNo returns the current outbound sequence number and
// post-increments it (§4.3).
func (s *Session) AllocateSndSeqNo() int {
	n := s.nextSndSeqNo
	s.nextSndSeqNo++
	return n
}

// NextSndSeqNo peeks the outbound sequence number that the next
// AllocateSndSeqNo call would return, without consuming it. Used to
// populate NewSeqNo on a reset-reset SequenceReset (§4.2).
func (s *Session) NextSndSeqNo() int {
	return s.nextSndSeqNo
}

// ResetSndSeqNo resets the outbound counter to 1 (ResetSeqNumFlag=Y on
// Logon).
func (s *Session) ResetSndSeqNo() {
	s.nextSndSeqNo = 1
}

// ResetRecvSeqNo resets the inbound expectation to 1.
func (s *Session) ResetRecvSeqNo() {
	s.nextExpectedRecvSeqNum = 1
}

// NextExpectedRecvSeqNum returns the MsgSeqNum expected on the next
// inbound message.
func (s *Session) NextExpectedRecvSeqNum() int {
	return s.nextExpectedRecvSeqNum
}

// ValidateRecvSeqNo checks seqNo against the session's expectation
// (§4.3, §8 item 5). ok=true covers both normal progression (seqNo ==
// expected) and a duplicate/resend (seqNo < expected, per the Open
// Question decision recorded in the design notes: treated as "ok" here,
// with the PossDupFlag / journal-duplicate check in the processing loop
// making the final accept/reject call). ok=false means a gap: seqNo is
// ahead of what was expected, and lastKnown is returned for the
// resulting ResendRequest.
func (s *Session) ValidateRecvSeqNo(seqNo int) (ok bool, lastKnown int) {
	if seqNo > s.nextExpectedRecvSeqNum {
		return false, s.nextExpectedRecvSeqNum
	}
	return true, s.nextExpectedRecvSeqNum
}

// SetRecvSeqNo advances the inbound expectation past seqNo.
func (s *Session) SetRecvSeqNo(seqNo int) {
	s.nextExpectedRecvSeqNum = seqNo + 1
}

// String renders the session identity for logging.
func (s *Session) String() string {
	return fmt.Sprintf("%s->%s", s.senderCompID, s.targetCompID)
}
