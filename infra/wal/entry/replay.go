package entry

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

var ErrCorrupt = errors.New("wal: corrupt record")

type ReplayHandler func(*Record) error

// Replay feeds every record to fn in sequence order. A torn frame at the end
// of the newest segment is a crash during write and ends the replay cleanly.
func Replay(dir string, fn ReplayHandler) (lastSeq uint64, err error) {
	files, err := segments(dir)
	if err != nil {
		return 0, err
	}

	for i, path := range files {
		last := i == len(files)-1
		lastSeq, err = replaySegment(path, last, lastSeq, fn)
		if err != nil {
			return lastSeq, errors.WithMessage(err, path)
		}
	}
	return lastSeq, nil
}

func replaySegment(path string, last bool, lastSeq uint64, fn ReplayHandler) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return lastSeq, err
	}
	defer f.Close()

	for {
		rec, err := readRecord(f)
		if err != nil {
			if err == io.EOF {
				return lastSeq, nil
			}
			if err == io.ErrUnexpectedEOF && last {
				return lastSeq, nil
			}
			return lastSeq, err
		}

		if rec.Seq <= lastSeq {
			return lastSeq, errors.Wrapf(ErrCorrupt, "non-monotonic seq %d after %d", rec.Seq, lastSeq)
		}
		lastSeq = rec.Seq

		if err := fn(rec); err != nil {
			return lastSeq, err
		}
	}
}

func readRecord(r io.Reader) (*Record, error) {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	t := RecordType(header[0])
	seq := binary.BigEndian.Uint64(header[1:9])
	ts := binary.BigEndian.Uint64(header[9:17])
	l := binary.BigEndian.Uint32(header[17:21])

	data := make([]byte, l+4)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	payload := data[:l]
	crc := binary.BigEndian.Uint32(data[l:])

	if !CRC32Valid(append(header, payload...), crc) {
		return nil, errors.Wrapf(ErrCorrupt, "crc mismatch at seq %d", seq)
	}

	return &Record{
		Type: t,
		Seq:  seq,
		Time: int64(ts),
		Data: payload,
	}, nil
}
