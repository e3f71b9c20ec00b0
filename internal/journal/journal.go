// Package journal persists FIX sessions and messages to an embedded SQL
// store (§4.5): a single sqlite file, or an in-memory instance when no
// path is configured. It is the system of record for sequence numbers
// across restarts and for ResendRequest replay.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/example/gofix/internal/fixdict"
	"github.com/example/gofix/internal/fixmsg"
	"github.com/example/gofix/internal/fixsession"
)

// Direction distinguishes inbound from outbound messages in the journal.
type Direction string

const (
	DirectionInbound  Direction = "IN"
	DirectionOutbound Direction = "OUT"
)

// ErrDuplicateSession indicates createSession was called for a
// (sender, target) pair that already has a journal entry.
var ErrDuplicateSession = errors.New("journal: session already exists")

// ErrDuplicateSeqNo indicates persistMsg collided with an existing
// (seqNo, session, direction) row -- the DuplicateSeqNoError of §7.
var ErrDuplicateSeqNo = errors.New("journal: duplicate seqNo for session/direction")

// ErrUnknownSession indicates an operation referenced a Session the
// journal has no record of.
var ErrUnknownSession = errors.New("journal: unknown session")

const schema = `
CREATE TABLE IF NOT EXISTS session (
	session_id      TEXT PRIMARY KEY,
	target_comp_id  TEXT NOT NULL,
	sender_comp_id  TEXT NOT NULL,
	outbound_seq_no INTEGER NOT NULL DEFAULT 0,
	inbound_seq_no  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (target_comp_id, sender_comp_id)
);

CREATE TABLE IF NOT EXISTS message (
	seq_no     INTEGER NOT NULL,
	session_id TEXT NOT NULL,
	direction  TEXT NOT NULL,
	msg        BLOB NOT NULL,
	PRIMARY KEY (seq_no, session_id, direction)
);
`

// Journaler is the embedded-store-backed journal. Its methods are only
// ever called from the reactor thread (§5 Shared-resource policy); it
// holds no internal lock.
type Journaler struct {
	db *sql.DB

	// ids maps a session's (sender, target) Key() to its journal-assigned
	// UUID, so PersistMsg/RecoverMsgs can resolve the message table's
	// session_id column from a *fixsession.Session.
	ids map[string]string
}

// Open opens (creating if absent) the sqlite database at path. An empty
// path opens an in-memory instance that does not survive a restart.
func Open(path string) (*Journaler, error) {
	dsn := path
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", dsn, err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: create schema: %w", err)
	}

	return &Journaler{db: db, ids: make(map[string]string)}, nil
}

// Close releases the underlying database handle.
func (j *Journaler) Close() error {
	return j.db.Close()
}

// Sessions reconstructs every persisted Session with its last known
// sequence numbers (§4.5: sessions()).
func (j *Journaler) Sessions() ([]*fixsession.Session, error) {
	rows, err := j.db.Query(`SELECT session_id, sender_comp_id, target_comp_id, outbound_seq_no, inbound_seq_no FROM session`)
	if err != nil {
		return nil, fmt.Errorf("journal: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*fixsession.Session
	for rows.Next() {
		var id, sender, target string
		var outSeq, inSeq int
		if err := rows.Scan(&id, &sender, &target, &outSeq, &inSeq); err != nil {
			return nil, fmt.Errorf("journal: scan session: %w", err)
		}
		sess, err := fixsession.Restore(sender, target, outSeq, inSeq)
		if err != nil {
			return nil, fmt.Errorf("journal: restore session %s: %w", id, err)
		}
		j.ids[sess.Key()] = id
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CreateSession inserts a new session row and returns the reconstructed
// Session (§4.5: createSession(target, sender)). A duplicate
// (sender, target) pair returns ErrDuplicateSession.
func (j *Journaler) CreateSession(senderCompID, targetCompID string) (*fixsession.Session, error) {
	sess, err := fixsession.New(senderCompID, targetCompID)
	if err != nil {
		return nil, fmt.Errorf("journal: create session: %w", err)
	}

	id := uuid.NewString()
	_, err = j.db.Exec(
		`INSERT INTO session (session_id, sender_comp_id, target_comp_id, outbound_seq_no, inbound_seq_no) VALUES (?, ?, ?, 0, 0)`,
		id, senderCompID, targetCompID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("journal: create session %s/%s: %w", senderCompID, targetCompID, ErrDuplicateSession)
		}
		return nil, fmt.Errorf("journal: insert session: %w", err)
	}

	j.ids[sess.Key()] = id
	return sess, nil
}

// PersistMsg serialises msg opaquely, inserts it, and advances the
// session's persisted sequence number for direction in the same
// transaction (§4.5: persistMsg). The outbound/inbound value used is
// msg's own MsgSeqNum (tag 34); callers must stamp it before persisting.
// A duplicate (seqNo, session, direction) key returns ErrDuplicateSeqNo.
func (j *Journaler) PersistMsg(sess *fixsession.Session, direction Direction, msg *fixmsg.Message) error {
	id, ok := j.ids[sess.Key()]
	if !ok {
		return fmt.Errorf("journal: persist for %s: %w", sess.Key(), ErrUnknownSession)
	}

	seqNo, ok := msg.GetFieldInt(fixdict.TagMsgSeqNum)
	if !ok {
		return fmt.Errorf("journal: persist: message missing MsgSeqNum")
	}

	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin persist tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	payload := fixmsg.Serialize(msg)
	_, err = tx.Exec(
		`INSERT INTO message (seq_no, session_id, direction, msg) VALUES (?, ?, ?, ?)`,
		seqNo, id, string(direction), payload,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("journal: persist seq %d for %s/%s: %w", seqNo, sess.Key(), direction, ErrDuplicateSeqNo)
		}
		return fmt.Errorf("journal: insert message: %w", err)
	}

	column := "inbound_seq_no"
	if direction == DirectionOutbound {
		column = "outbound_seq_no"
	}
	//nolint:gosec // column is one of two fixed literals, never user input
	if _, err := tx.Exec(fmt.Sprintf(`UPDATE session SET %s = ? WHERE session_id = ?`, column), seqNo, id); err != nil {
		return fmt.Errorf("journal: update session seq: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit persist tx: %w", err)
	}
	return nil
}

// RecoverMsgs returns every message persisted for sess in direction with
// seqNo in [begin, end], in seqNo order. end=0 means unbounded (§4.4
// ResendRequest handling).
func (j *Journaler) RecoverMsgs(sess *fixsession.Session, direction Direction, begin, end int) ([]*fixmsg.Message, error) {
	id, ok := j.ids[sess.Key()]
	if !ok {
		return nil, fmt.Errorf("journal: recover for %s: %w", sess.Key(), ErrUnknownSession)
	}

	var rows *sql.Rows
	var err error
	if end == 0 {
		rows, err = j.db.Query(
			`SELECT msg FROM message WHERE session_id = ? AND direction = ? AND seq_no >= ? ORDER BY seq_no`,
			id, string(direction), begin,
		)
	} else {
		rows, err = j.db.Query(
			`SELECT msg FROM message WHERE session_id = ? AND direction = ? AND seq_no BETWEEN ? AND ? ORDER BY seq_no`,
			id, string(direction), begin, end,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: recover messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// GetAllMsgs returns every message across the given sessions (nil = all)
// and direction (nil = both), for inspection tooling (§4.5).
func (j *Journaler) GetAllMsgs(sessionKeys []string, direction *Direction) ([]*fixmsg.Message, error) {
	query := `SELECT m.msg FROM message m JOIN session s ON s.session_id = m.session_id WHERE 1=1`
	var args []any

	if len(sessionKeys) > 0 {
		placeholders := make([]string, 0, len(sessionKeys))
		for _, key := range sessionKeys {
			id, ok := j.ids[key]
			if !ok {
				continue
			}
			placeholders = append(placeholders, "?")
			args = append(args, id)
		}
		if len(placeholders) == 0 {
			return nil, nil
		}
		query += fmt.Sprintf(" AND m.session_id IN (%s)", strings.Join(placeholders, ","))
	}

	if direction != nil {
		query += " AND m.direction = ?"
		args = append(args, string(*direction))
	}

	query += " ORDER BY m.session_id, m.direction, m.seq_no"

	rows, err := j.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: get all messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]*fixmsg.Message, error) {
	var out []*fixmsg.Message
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("journal: scan message: %w", err)
		}
		msg, err := fixmsg.Deserialize(payload)
		if err != nil {
			return nil, fmt.Errorf("journal: deserialize message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// isUniqueViolation reports whether err is a sqlite UNIQUE/PRIMARY KEY
// constraint failure. modernc.org/sqlite does not export a typed
// sentinel for this, so the driver's error text is matched instead.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
