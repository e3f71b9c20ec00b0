package fixmsg

import (
	"encoding/binary"
	"fmt"
)

// Serialize encodes m into an opaque byte form suitable for the journal.
// The format is not wire format; it only needs to round-trip through
// Deserialize byte-for-byte equivalent to the original Message.
//
// Layout: a field count (varint) followed by that many records, each
//
//	kind(1) tag(varint) [value: len(varint) bytes | groups: count(varint) [message...]]
//
// where each group repetition is itself a nested message in this same
// layout (its own field count, then its records).
func Serialize(m *Message) []byte {
	var buf []byte
	buf = appendMessage(buf, m)
	return buf
}

func appendMessage(buf []byte, m *Message) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(m.order)))
	for _, tag := range m.order {
		f := m.fields[tag]
		buf = append(buf, byte(f.kind))
		buf = binary.AppendUvarint(buf, uint64(tag))
		switch f.kind {
		case KindScalar:
			buf = binary.AppendUvarint(buf, uint64(len(f.value)))
			buf = append(buf, f.value...)
		case KindGroup:
			buf = binary.AppendUvarint(buf, uint64(len(f.groups)))
			for _, rep := range f.groups {
				buf = appendMessage(buf, rep)
			}
		}
	}
	return buf
}

// Deserialize decodes bytes produced by Serialize back into a Message.
func Deserialize(data []byte) (*Message, error) {
	m, rest, err := readMessage(data)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("fixmsg: %d trailing bytes after message", len(rest))
	}
	return m, nil
}

func readMessage(data []byte) (*Message, []byte, error) {
	m := New()

	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, nil, fmt.Errorf("fixmsg: truncated field count")
	}
	data = data[n:]

	for i := uint64(0); i < count; i++ {
		if len(data) < 1 {
			return nil, nil, fmt.Errorf("fixmsg: truncated field kind")
		}
		kind := Kind(data[0])
		data = data[1:]

		tag64, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, fmt.Errorf("fixmsg: truncated tag")
		}
		data = data[n:]
		tag := int(tag64)

		switch kind {
		case KindScalar:
			l, n := binary.Uvarint(data)
			if n <= 0 {
				return nil, nil, fmt.Errorf("fixmsg: truncated value length")
			}
			data = data[n:]
			if uint64(len(data)) < l {
				return nil, nil, fmt.Errorf("fixmsg: truncated value")
			}
			m.SetField(tag, string(data[:l]))
			data = data[l:]

		case KindGroup:
			reps, n := binary.Uvarint(data)
			if n <= 0 {
				return nil, nil, fmt.Errorf("fixmsg: truncated group count")
			}
			data = data[n:]
			for r := uint64(0); r < reps; r++ {
				var rep *Message
				var err error
				rep, data, err = readMessage(data)
				if err != nil {
					return nil, nil, err
				}
				f, ok := m.fields[tag]
				if !ok {
					f = &field{tag: tag, kind: KindGroup}
					m.fields[tag] = f
					m.order = append(m.order, tag)
				}
				f.groups = append(f.groups, rep)
			}

		default:
			return nil, nil, fmt.Errorf("fixmsg: unknown field kind %d", kind)
		}
	}

	return m, data, nil
}
