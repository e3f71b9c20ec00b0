// Package fixmsg is the in-memory representation of a FIX message: an
// ordered mapping from tag to either a scalar value or a repeating group
// of sub-messages. Insertion order is preserved for emission, mirroring
// how the codec must reproduce the wire encoding.
package fixmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind distinguishes a scalar field from a repeating-group field.
type Kind uint8

const (
	KindScalar Kind = iota
	KindGroup
)

// field is one entry in a Message: either a scalar value or the
// repetitions of a group, keyed by tag.
type field struct {
	tag    int
	kind   Kind
	value  string
	groups []*Message
}

// Message is an ordered tag -> field mapping. A tag appears at most
// once at a given nesting level; repetition lives inside a group field's
// Groups slice, not as duplicate top-level entries.
type Message struct {
	order  []int
	fields map[int]*field
}

// New returns an empty Message.
func New() *Message {
	return &Message{fields: make(map[int]*field)}
}

// SetField sets tag to a scalar value, appending it to the insertion
// order if not already present.
func (m *Message) SetField(tag int, value string) {
	if f, ok := m.fields[tag]; ok {
		f.kind = KindScalar
		f.value = value
		f.groups = nil
		return
	}
	m.fields[tag] = &field{tag: tag, kind: KindScalar, value: value}
	m.order = append(m.order, tag)
}

// SetFieldInt is a convenience wrapper over SetField for integer values.
func (m *Message) SetFieldInt(tag int, value int) {
	m.SetField(tag, strconv.Itoa(value))
}

// GetField returns tag's scalar value and whether it is present as a
// scalar (false for group fields or missing tags).
func (m *Message) GetField(tag int) (string, bool) {
	f, ok := m.fields[tag]
	if !ok || f.kind != KindScalar {
		return "", false
	}
	return f.value, true
}

// GetFieldInt parses tag's scalar value as an int.
func (m *Message) GetFieldInt(tag int) (int, bool) {
	s, ok := m.GetField(tag)
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Has reports whether tag is present (scalar or group).
func (m *Message) Has(tag int) bool {
	_, ok := m.fields[tag]
	return ok
}

// RemoveField removes tag entirely, whether scalar or group.
func (m *Message) RemoveField(tag int) {
	if _, ok := m.fields[tag]; !ok {
		return
	}
	delete(m.fields, tag)
	for i, t := range m.order {
		if t == tag {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// MsgType returns tag 35's value, if set.
func (m *Message) MsgType() string {
	v, _ := m.GetField(35)
	return v
}

// Tags returns the top-level tags in insertion order.
func (m *Message) Tags() []int {
	out := make([]int, len(m.order))
	copy(out, m.order)
	return out
}

// -------------------------------------------------------------------------
// Repeating groups
// -------------------------------------------------------------------------

// AddGroup appends a new, empty repetition to the group at tag and
// returns it for the caller to populate. Creates the group field on
// first use.
func (m *Message) AddGroup(tag int) *Message {
	f, ok := m.fields[tag]
	if !ok {
		f = &field{tag: tag, kind: KindGroup}
		m.fields[tag] = f
		m.order = append(m.order, tag)
	}
	rep := New()
	f.groups = append(f.groups, rep)
	return rep
}

// Groups returns the repetitions of the group at tag, or nil if tag is
// not a group field.
func (m *Message) Groups(tag int) []*Message {
	f, ok := m.fields[tag]
	if !ok || f.kind != KindGroup {
		return nil
	}
	return f.groups
}

// RemoveGroupAt removes the repetition at index from the group at tag.
func (m *Message) RemoveGroupAt(tag, index int) {
	f, ok := m.fields[tag]
	if !ok || f.kind != KindGroup || index < 0 || index >= len(f.groups) {
		return
	}
	f.groups = append(f.groups[:index], f.groups[index+1:]...)
}

// GroupMatching returns the first repetition of the group at tag whose
// childTag field equals value, along with its index.
func (m *Message) GroupMatching(tag, childTag int, value string) (*Message, int, bool) {
	for i, rep := range m.Groups(tag) {
		if v, ok := rep.GetField(childTag); ok && v == value {
			return rep, i, true
		}
	}
	return nil, -1, false
}

// -------------------------------------------------------------------------
// Debug / canonical string
// -------------------------------------------------------------------------

// DebugString renders a canonical, human-readable form of the message:
// "tag=value" pairs joined by "|", with groups rendered as
// "tag=count{rep1}{rep2}...".
func (m *Message) DebugString() string {
	var b strings.Builder
	for i, tag := range m.order {
		if i > 0 {
			b.WriteByte('|')
		}
		f := m.fields[tag]
		switch f.kind {
		case KindScalar:
			fmt.Fprintf(&b, "%d=%s", tag, f.value)
		case KindGroup:
			fmt.Fprintf(&b, "%d=%d", tag, len(f.groups))
			for _, rep := range f.groups {
				b.WriteByte('{')
				b.WriteString(rep.DebugString())
				b.WriteByte('}')
			}
		}
	}
	return b.String()
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	clone := New()
	for _, tag := range m.order {
		f := m.fields[tag]
		switch f.kind {
		case KindScalar:
			clone.SetField(tag, f.value)
		case KindGroup:
			for _, rep := range f.groups {
				repClone := rep.Clone()
				newField, ok := clone.fields[tag]
				if !ok {
					newField = &field{tag: tag, kind: KindGroup}
					clone.fields[tag] = newField
					clone.order = append(clone.order, tag)
				}
				newField.groups = append(newField.groups, repClone)
			}
		}
	}
	return clone
}
