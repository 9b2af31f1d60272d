package entry

import (
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"venue/infra/sequence"
)

const defaultSegmentSize = 64 << 20

type Config struct {
	Dir             string
	SegmentSize     int64
	SegmentDuration time.Duration
	// Sync fsyncs the segment after every append.
	Sync bool
}

// WAL is the command journal. It owns sequence assignment so that records
// land on disk in sequence order, and it tracks which commands are still
// in flight so a checkpoint never drops one that has not committed.
type WAL struct {
	mu sync.Mutex

	dir             string
	segSize         int64
	segmentDuration time.Duration
	syncEach        bool

	seq        *sequence.Sequencer
	current    *segment
	lastRotate time.Time
	pending    map[uint64]struct{}
}

func Open(cfg Config, seq *sequence.Sequencer) (*WAL, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if cfg.SegmentSize <= 0 {
		cfg.SegmentSize = defaultSegmentSize
	}

	files, err := segments(cfg.Dir)
	if err != nil {
		return nil, err
	}
	index := 0
	if len(files) > 0 {
		last := files[len(files)-1]
		if index, err = segmentIndex(last); err != nil {
			return nil, errors.WithMessage(err, last)
		}
		if err := trimTornTail(last); err != nil {
			return nil, errors.WithMessage(err, last)
		}
	}

	seg, err := openSegment(cfg.Dir, index)
	if err != nil {
		return nil, err
	}

	return &WAL{
		dir:             cfg.Dir,
		segSize:         cfg.SegmentSize,
		segmentDuration: cfg.SegmentDuration,
		syncEach:        cfg.Sync,
		seq:             seq,
		current:         seg,
		lastRotate:      time.Now(),
		pending:         make(map[uint64]struct{}),
	}, nil
}

// Append journals a command under a fresh sequence number and returns it.
// The command stays pending until Done is called for it.
func (w *WAL) Append(t RecordType, data []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.seq.Next()
	if err := w.write(NewRecord(t, seq, data)); err != nil {
		return 0, err
	}
	w.pending[seq] = struct{}{}
	return seq, nil
}

// Done settles a pending command. An aborted command gets an abort record so
// replay skips it.
func (w *WAL) Done(seq uint64, aborted bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.pending, seq)
	if !aborted {
		return nil
	}
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, seq)
	return w.write(NewRecord(RecordAbort, w.seq.Next(), data))
}

func (w *WAL) write(r *Record) error {
	if err := w.current.append(encode(r)); err != nil {
		return err
	}
	if w.syncEach {
		if err := w.current.sync(); err != nil {
			return err
		}
	}

	if w.current.offset >= w.segSize ||
		(w.segmentDuration > 0 && time.Since(w.lastRotate) >= w.segmentDuration) {
		return w.rotate()
	}
	return nil
}

func (w *WAL) rotate() error {
	if err := w.current.sync(); err != nil {
		return err
	}
	_ = w.current.close()

	seg, err := openSegment(w.dir, w.current.index+1)
	if err != nil {
		return err
	}

	w.current = seg
	w.lastRotate = time.Now()
	return nil
}

// Observe moves sequencing past seq. Recovery calls it with the highest
// sequence found in the journal and the store.
func (w *WAL) Observe(seq uint64) {
	w.seq.Observe(seq)
}

// watermark is the highest sequence at or below which every command has
// settled. w.mu must be held.
func (w *WAL) watermark() uint64 {
	mark := w.seq.Current()
	for s := range w.pending {
		if s-1 < mark {
			mark = s - 1
		}
	}
	return mark
}

// Checkpoint drops rotated segments whose records have all settled and
// returns the watermark it used.
func (w *WAL) Checkpoint() (uint64, error) {
	w.mu.Lock()
	mark := w.watermark()
	w.mu.Unlock()
	return mark, w.TruncateBefore(mark)
}

// TruncateBefore removes rotated segments whose records are all at or below
// seq. The active segment is never removed. A segment that cannot be scanned
// is kept and reported after the others are processed.
func (w *WAL) TruncateBefore(seq uint64) error {
	files, err := segments(w.dir)
	if err != nil {
		return err
	}

	w.mu.Lock()
	active := segmentPath(w.dir, w.current.index)
	w.mu.Unlock()

	var scanErr error
	for _, path := range files {
		if path == active {
			continue
		}
		maxSeq, err := maxSeqInSegment(path)
		if err != nil {
			if scanErr == nil {
				scanErr = errors.Wrapf(err, "scan %s", path)
			}
			continue
		}
		if maxSeq <= seq {
			if err := os.Remove(path); err != nil {
				return err
			}
		}
	}
	return scanErr
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.current.sync(); err != nil {
		_ = w.current.close()
		return err
	}
	return w.current.close()
}

// trimTornTail cuts a partially written frame off the end of a segment.
func trimTornTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var good int64
	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			return nil
		}
		if err == io.ErrUnexpectedEOF {
			return f.Truncate(good)
		}
		if err != nil {
			return err
		}
		good += int64(headerSize + len(rec.Data) + 4)
	}
}
