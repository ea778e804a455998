package racelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/mod/semver"
)

const (
	// FormatName identifies race log files.
	FormatName = "racecore.racelog"
	// FormatVersion is the version written by this package. Readers accept
	// any version with the same major version.
	FormatVersion = "v1.1.0"
)

var (
	// ErrFormat is returned when a file is not a race log.
	ErrFormat = errors.New("racelog: not a race log")
	// ErrVersion is returned for a race log with an incompatible version.
	ErrVersion = errors.New("racelog: incompatible race log version")
)

// Header is the first line of a race log file.
type Header struct {
	Format  string    `json:"format"`
	Version string    `json:"version"`
	Created time.Time `json:"created"`
	Host    string    `json:"host,omitempty"`
	PID     int       `json:"pid,omitempty"`
}

func (h Header) check() error {
	if h.Format != FormatName {
		return fmt.Errorf("%w: format %q", ErrFormat, h.Format)
	}
	if !semver.IsValid(h.Version) {
		return fmt.Errorf("%w: invalid version %q", ErrVersion, h.Version)
	}
	if semver.Major(h.Version) != semver.Major(FormatVersion) {
		return fmt.Errorf("%w: %s, reader supports %s.x", ErrVersion, h.Version, semver.Major(FormatVersion))
	}
	return nil
}

// FileLog appends records to a JSON-lines file, one record per line after
// the header. Every append is flushed so a crash of the monitored program
// never loses an acknowledged record.
type FileLog struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

// OpenFile opens or creates the race log at path. An existing non-empty
// file must be a compatible race log; new records are appended to it.
func OpenFile(path string) (*FileLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open race log: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat race log: %w", err)
	}

	l := &FileLog{path: path, f: f, w: bufio.NewWriter(f)}
	l.enc = json.NewEncoder(l.w)

	if fi.Size() > 0 {
		if _, err := readHeader(bufio.NewReader(io.NewSectionReader(f, 0, fi.Size()))); err != nil {
			_ = f.Close()
			return nil, err
		}
		return l, nil
	}

	host, _ := os.Hostname()
	h := Header{Format: FormatName, Version: FormatVersion, Created: time.Now().UTC(), Host: host, PID: os.Getpid()}
	if err := l.enc.Encode(h); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write race log header: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write race log header: %w", err)
	}
	return l, nil
}

// Path returns the file path.
func (l *FileLog) Path() string { return l.path }

// Append implements Sink.
func (l *FileLog) Append(_ context.Context, r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return os.ErrClosed
	}
	if err := l.enc.Encode(r); err != nil {
		return fmt.Errorf("append race record: %w", err)
	}
	if err := l.w.Flush(); err != nil {
		return fmt.Errorf("append race record: %w", err)
	}
	return nil
}

// Close implements Sink.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	ferr := l.w.Flush()
	cerr := l.f.Close()
	l.f = nil
	return errors.Join(ferr, cerr)
}

// Reader decodes a race log stream.
type Reader struct {
	Header Header
	dec    *json.Decoder
}

// NewReader reads and validates the header of a race log.
func NewReader(r io.Reader) (*Reader, error) {
	br := bufio.NewReader(r)
	dec := json.NewDecoder(br)
	var h Header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if err := h.check(); err != nil {
		return nil, err
	}
	return &Reader{Header: h, dec: dec}, nil
}

func readHeader(r io.Reader) (Header, error) {
	rd, err := NewReader(r)
	if err != nil {
		return Header{}, err
	}
	return rd.Header, nil
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (*Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("decode race record: %w", err)
	}
	return &rec, nil
}

// All reads every remaining record.
func (r *Reader) All() ([]*Record, error) {
	var out []*Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile reads every record of the race log at path.
func ReadFile(path string) (Header, []*Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, fmt.Errorf("open race log: %w", err)
	}
	defer func() { _ = f.Close() }()

	rd, err := NewReader(f)
	if err != nil {
		return Header{}, nil, err
	}
	recs, err := rd.All()
	return rd.Header, recs, err
}
