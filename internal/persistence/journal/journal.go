// Package journal keeps an audit trail of durable write attempts: one JSON line per attempt,
// zstd-compressed, in one segment file per UTC hour of the attempt.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	segmentPrefix = "journal-"
	segmentSuffix = ".jsonl.zst"
	hourLayout    = "2006-01-02-15"
)

// Entry records one write attempt.
type Entry struct {
	At      int64  `json:"at"`
	Reason  string `json:"reason"`
	OK      bool   `json:"ok"`
	Bytes   int    `json:"bytes,omitempty"`
	Schemes int    `json:"schemes"`
	Items   int    `json:"items"`
	Err     string `json:"err,omitempty"`
	Millis  int64  `json:"durationMs"`
}

// SegmentName is the file an entry stamped at unix millis at lands in.
func SegmentName(at int64) string {
	return segmentPrefix + time.UnixMilli(at).UTC().Format(hourLayout) + segmentSuffix
}

// segment is the open file for one hour. Every open starts a new zstd frame, so a segment
// reopened by a later process run is a concatenation of frames.
type segment struct {
	name string
	f    *os.File
	enc  *zstd.Encoder
	je   *json.Encoder
}

func openSegment(dir, name string) (*segment, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{name: name, f: f, enc: enc, je: json.NewEncoder(enc)}, nil
}

func (s *segment) append(e Entry) error {
	if err := s.je.Encode(e); err != nil {
		return err
	}
	// Flush ends a zstd block so the record survives a crash of the process.
	return s.enc.Flush()
}

func (s *segment) close() error {
	return errors.Join(s.enc.Close(), s.f.Close())
}

// Journal appends entries under one directory. It is safe for concurrent use.
type Journal struct {
	dir string

	mu  sync.Mutex
	cur *segment
}

func New(dir string) *Journal {
	return &Journal{dir: dir}
}

// Append writes e to the segment of its own timestamp, switching segments when the hour
// changes.
func (j *Journal) Append(e Entry) error {
	name := SegmentName(e.At)

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cur == nil || j.cur.name != name {
		if j.cur != nil {
			if err := j.cur.close(); err != nil {
				return fmt.Errorf("close %s: %w", j.cur.name, err)
			}
			j.cur = nil
		}
		seg, err := openSegment(j.dir, name)
		if err != nil {
			return fmt.Errorf("open journal segment: %w", err)
		}
		j.cur = seg
	}
	return j.cur.append(e)
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cur == nil {
		return nil
	}
	err := j.cur.close()
	j.cur = nil
	return err
}

// Segments lists the segment files in dir, oldest first.
func Segments(dir string) ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		return nil, err
	}
	// Names embed the hour in a sortable layout.
	sort.Strings(paths)
	return paths, nil
}

// ReadEntries decodes every record from one segment file.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []Entry
	jd := json.NewDecoder(dec)
	for {
		var e Entry
		err := jd.Decode(&e)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("%s: record %d: %w", filepath.Base(path), len(out)+1, err)
		}
		out = append(out, e)
	}
}

// ReadDir reads every segment in dir in time order.
func ReadDir(dir string) ([]Entry, error) {
	paths, err := Segments(dir)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, p := range paths {
		entries, err := ReadEntries(p)
		out = append(out, entries...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
