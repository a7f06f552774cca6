package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/golang/snappy"
)

// RecordKind discriminates record types inside the binary envelope. Kinds
// are assigned by the owning package and never reused.
type RecordKind uint8

// Header is the fixed-size prefix carried by every serialized record that
// is subject to cross-version migration. A reader can identify the right
// decoder from the header alone, without consulting external metadata.
//
// Layout (8 bytes):
//
//	0..1  schema version under which the record was written (uint16 BE)
//	2     record kind
//	3     format revision of this kind's payload
//	4     flags (bit 0: snappy-compressed payload)
//	5..7  reserved, zero
type Header struct {
	Version uint16
	Kind    RecordKind
	Rev     uint8
	Flags   uint8
}

const (
	headerSize = 8

	flagSnappy = 0x01
)

// EncodeRecord wraps payload in the binary envelope. With compress set, the
// payload is stored snappy-compressed.
func EncodeRecord(version uint16, kind RecordKind, rev uint8, payload []byte, compress bool) []byte {
	var flags uint8
	if compress {
		flags |= flagSnappy
		payload = snappy.Encode(nil, payload)
	}
	buf := make([]byte, headerSize, headerSize+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], version)
	buf[2] = byte(kind)
	buf[3] = rev
	buf[4] = flags
	return append(buf, payload...)
}

// DecodeRecord splits raw into its header and payload, decompressing the
// payload if necessary.
func DecodeRecord(raw []byte) (Header, []byte, error) {
	if len(raw) < headerSize {
		return Header{}, nil, fmt.Errorf("record too short: %d bytes", len(raw))
	}
	h := Header{
		Version: binary.BigEndian.Uint16(raw[0:2]),
		Kind:    RecordKind(raw[2]),
		Rev:     raw[3],
		Flags:   raw[4],
	}
	payload := raw[headerSize:]
	if h.Flags&flagSnappy != 0 {
		var err error
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return Header{}, nil, fmt.Errorf("snappy: %w", err)
		}
	}
	return h, payload, nil
}
