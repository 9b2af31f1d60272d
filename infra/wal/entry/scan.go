package entry

import (
	"io"
	"os"
)

// maxSeqInSegment scans a rotated segment and returns the highest sequence in
// it. Rotated segments are complete, so a short or corrupt frame is an error.
// It is used ONLY for checkpoint truncation.
func maxSeqInSegment(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var max uint64
	for {
		rec, err := readRecord(f)
		if err == io.EOF {
			return max, nil
		}
		if err != nil {
			return max, err
		}
		if rec.Seq > max {
			max = rec.Seq
		}
	}
}
