// Package racelog defines the race record model and the sinks that persist
// records: JSON-lines files, SQL databases and S3 archives.
package racelog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownKind is returned when decoding an access or target kind that is
// not one of the defined names.
var ErrUnknownKind = errors.New("racelog: unknown kind")

// AccessKind distinguishes reads from writes.
type AccessKind uint8

const (
	Read AccessKind = iota
	Write
)

func (k AccessKind) String() string {
	switch k {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	default:
		return "AccessKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k AccessKind) MarshalText() ([]byte, error) {
	if k > Write {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *AccessKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "READ":
		*k = Read
	case "WRITE":
		*k = Write
	default:
		return fmt.Errorf("%w: access %q", ErrUnknownKind, b)
	}
	return nil
}

// TargetKind is the kind of location a race happened on.
type TargetKind uint8

const (
	// TargetField is a static or instance field.
	TargetField TargetKind = iota
	// TargetObject is a foreign object whose methods are treated as reads
	// or writes of the whole object.
	TargetObject
)

func (k TargetKind) String() string {
	switch k {
	case TargetField:
		return "FIELD"
	case TargetObject:
		return "OBJECT"
	default:
		return "TargetKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k TargetKind) MarshalText() ([]byte, error) {
	if k > TargetObject {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *TargetKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "FIELD":
		*k = TargetField
	case "OBJECT":
		*k = TargetObject
	default:
		return fmt.Errorf("%w: target %q", ErrUnknownKind, b)
	}
	return nil
}

// Site is the code location of an access: the enclosing owner type, the
// member (method or function) and an optional line.
type Site struct {
	Owner  string `json:"owner"`
	Member string `json:"member"`
	Line   int    `json:"line,omitempty"`
}

func (s Site) String() string {
	if s.Line > 0 {
		return s.Owner + "." + s.Member + ":" + strconv.Itoa(s.Line)
	}
	return s.Owner + "." + s.Member
}

// ClockSnapshot holds the clocks involved in a race as interleaved
// (tid, frame) pair lists.
type ClockSnapshot struct {
	Thread  []int64 `json:"thread"`
	Readers []int64 `json:"readers"`
	Writers []int64 `json:"writers"`
}

// Access is one side of a race.
//
// Stack and Clocks are nil when the evidence is unavailable, which is always
// the case for Clocks on the racing side: the racing thread has moved on by
// the time the race is detected.
type Access struct {
	Kind       AccessKind     `json:"kind"`
	ThreadID   int64          `json:"threadId"`
	ThreadName string         `json:"threadName"`
	Site       Site           `json:"site"`
	Stack      []string       `json:"stack"`
	Clocks     *ClockSnapshot `json:"clocks"`
}

// Record is a detected race between the current access and an earlier
// unordered racing access.
type Record struct {
	ID         uuid.UUID         `json:"id"`
	Target     TargetKind        `json:"target"`
	Timestamp  time.Time         `json:"timestamp"`
	Current    Access            `json:"current"`
	Racing     Access            `json:"racing"`
	TargetInfo map[string]string `json:"targetInfo"`
}

// Key identifies races that should be reported once: same target, same pair
// of sites and access kinds, same pair of threads.
func (r *Record) Key() string {
	t := r.TargetInfo["owner"] + "." + r.TargetInfo["member"]
	return fmt.Sprintf("%s|%s|%s/%s|%s/%s|%d-%d", r.Target, t,
		r.Current.Kind, r.Current.Site, r.Racing.Kind, r.Racing.Site,
		r.Current.ThreadID, r.Racing.ThreadID)
}

// Sink persists race records.
//
// Implementations must be safe for use by one writer goroutine at a time;
// the detector's reporter never calls Append concurrently.
type Sink interface {
	Append(ctx context.Context, r *Record) error
	Close() error
}

// Discard is a Sink that drops every record.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(context.Context, *Record) error { return nil }
func (discard) Close() error                          { return nil }

// MultiSink fans records out to several sinks. Every sink receives every
// record; errors are joined.
type MultiSink []Sink

// Append implements Sink.
func (m MultiSink) Append(ctx context.Context, r *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Append(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close implements Sink.
func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
