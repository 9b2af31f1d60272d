package entry

import (
	"encoding/binary"
	"time"
)

type RecordType uint8

const (
	RecordPlace RecordType = iota
	RecordCancel
	RecordComposite
	// RecordAbort voids an earlier command whose unit of work never committed.
	// Its payload is the voided sequence, big endian.
	RecordAbort
)

func (t RecordType) String() string {
	switch t {
	case RecordPlace:
		return "place"
	case RecordCancel:
		return "cancel"
	case RecordComposite:
		return "composite"
	case RecordAbort:
		return "abort"
	default:
		return "unknown"
	}
}

type Record struct {
	Type RecordType
	Seq  uint64
	Time int64
	Data []byte
}

func NewRecord(t RecordType, seq uint64, data []byte) *Record {
	return &Record{
		Type: t,
		Seq:  seq,
		Time: time.Now().UnixNano(),
		Data: data,
	}
}

// Voided returns the sequence an abort record cancels.
func (r *Record) Voided() (uint64, bool) {
	if r.Type != RecordAbort || len(r.Data) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(r.Data), true
}

const headerSize = 1 + 8 + 8 + 4

// encode frames r as [type:1][seq:8][time:8][len:4][payload][crc:4].
func encode(r *Record) []byte {
	payloadLen := uint32(len(r.Data))
	buf := make([]byte, headerSize+payloadLen+4)

	buf[0] = byte(r.Type)
	binary.BigEndian.PutUint64(buf[1:9], r.Seq)
	binary.BigEndian.PutUint64(buf[9:17], uint64(r.Time))
	binary.BigEndian.PutUint32(buf[17:21], payloadLen)
	copy(buf[headerSize:], r.Data)

	crc := CRC32(buf[:headerSize+payloadLen])
	binary.BigEndian.PutUint32(buf[headerSize+payloadLen:], crc)
	return buf
}
