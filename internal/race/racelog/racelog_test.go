package racelog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func sampleRecord(n int) *Record {
	return &Record{
		ID:        uuid.New(),
		Target:    TargetField,
		Timestamp: time.Date(2024, 5, 1, 12, 0, n, 0, time.UTC),
		Current: Access{
			Kind:       Write,
			ThreadID:   2,
			ThreadName: "worker-2",
			Site:       Site{Owner: "Account", Member: "Deposit", Line: 42},
			Stack:      []string{"Account.Deposit (account.go:42)", "main.worker (main.go:17)"},
			Clocks: &ClockSnapshot{
				Thread:  []int64{1, 3, 2, 7},
				Readers: []int64{},
				Writers: []int64{1, 5},
			},
		},
		Racing: Access{
			Kind:       Read,
			ThreadID:   1,
			ThreadName: "main",
			Site:       Site{Owner: "Account", Member: "Balance"},
		},
		TargetInfo: map[string]string{"owner": "Account", "member": "balance", "object": "0x10"},
	}
}

func TestFileLog_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "races.jsonl")
	l, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []*Record{sampleRecord(1), sampleRecord(2)}
	for _, r := range want {
		if err := l.Append(context.Background(), r); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(context.Background(), sampleRecord(3)); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Append after Close error = %v", err)
	}

	h, got, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if h.Format != FormatName || h.Version != FormatVersion {
		t.Errorf("header = %+v", h)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if got[0].Racing.Clocks != nil || got[0].Racing.Stack != nil {
		t.Error("unavailable racing evidence did not round-trip as absent")
	}
}

// TestOpenFile_Reopen appends to an existing log without a second header.
func TestOpenFile_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "races.jsonl")
	for i := 0; i < 2; i++ {
		l, err := OpenFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := l.Append(context.Background(), sampleRecord(i)); err != nil {
			t.Fatal(err)
		}
		_ = l.Close()
	}
	_, recs, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("len(records) = %d, want 2", len(recs))
	}
}

func TestOpenFile_RejectsForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte(`{"format":"other","version":"v1.0.0"}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path); !errors.Is(err, ErrFormat) {
		t.Errorf("OpenFile(foreign) error = %v, want ErrFormat", err)
	}
}

func TestNewReader_Versions(t *testing.T) {
	tests := []struct {
		version string
		want    error
	}{
		{"v1.0.0", nil},
		{"v1.9.3", nil},
		{"v2.0.0", ErrVersion},
		{"1.0.0", ErrVersion},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(Header{Format: FormatName, Version: tt.version})
		_, err := NewReader(&buf)
		if !errors.Is(err, tt.want) {
			t.Errorf("version %s: error = %v, want %v", tt.version, err, tt.want)
		}
	}

	if _, err := NewReader(strings.NewReader("not json")); !errors.Is(err, ErrFormat) {
		t.Errorf("garbage header error = %v, want ErrFormat", err)
	}
}

func TestReader_Next(t *testing.T) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	_ = enc.Encode(Header{Format: FormatName, Version: FormatVersion})
	_ = enc.Encode(sampleRecord(1))

	rd, err := NewReader(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rd.Next(); err != nil {
		t.Fatal(err)
	}
	if _, err := rd.Next(); !errors.Is(err, io.EOF) {
		t.Errorf("Next() at end = %v, want io.EOF", err)
	}
}

func TestKinds_Text(t *testing.T) {
	var a AccessKind
	if err := a.UnmarshalText([]byte("WRITE")); err != nil || a != Write {
		t.Errorf("UnmarshalText(WRITE) = %v, %v", a, err)
	}
	if err := a.UnmarshalText([]byte("write")); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("UnmarshalText(write) error = %v", err)
	}
	var k TargetKind
	if err := k.UnmarshalText([]byte("OBJECT")); err != nil || k != TargetObject {
		t.Errorf("UnmarshalText(OBJECT) = %v, %v", k, err)
	}
	if _, err := TargetKind(7).MarshalText(); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("MarshalText(7) error = %v", err)
	}
	if got := (Site{Owner: "A", Member: "b", Line: 3}).String(); got != "A.b:3" {
		t.Errorf("Site.String() = %q", got)
	}
}

func TestRecord_Key(t *testing.T) {
	a, b := sampleRecord(1), sampleRecord(2)
	if a.Key() != b.Key() {
		t.Errorf("same race, different keys: %q vs %q", a.Key(), b.Key())
	}
	b.Racing.Site.Member = "Withdraw"
	if a.Key() == b.Key() {
		t.Error("different racing sites share a key")
	}
}

func TestSQLLog_SQLite(t *testing.T) {
	ctx := context.Background()
	l, err := OpenSQL(ctx, DriverSQLite, "file:races?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Close() }()

	want := []*Record{sampleRecord(1), sampleRecord(2)}
	for i := len(want) - 1; i >= 0; i-- {
		if err := l.Append(ctx, want[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Append(ctx, want[0]); err == nil {
		t.Error("duplicate id accepted")
	}

	got, err := l.Records(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
	if n, err := l.Count(ctx); err != nil || n != 2 {
		t.Errorf("Count() = %d, %v", n, err)
	}
}

func TestOpenSQL_UnknownDriver(t *testing.T) {
	if _, err := OpenSQL(context.Background(), "mysql", ""); !errors.Is(err, ErrDriver) {
		t.Errorf("OpenSQL(mysql) error = %v, want ErrDriver", err)
	}
	if got := insertStmt(DriverPostgres); !strings.Contains(got, "$6") {
		t.Errorf("postgres insert = %q", got)
	}
	if got := insertStmt(DriverSQLite); !strings.HasSuffix(got, "(?, ?, ?, ?, ?, ?)") {
		t.Errorf("sqlite insert = %q", got)
	}
}

type failingSink struct{ err error }

func (f failingSink) Append(context.Context, *Record) error { return f.err }
func (f failingSink) Close() error                          { return nil }

type memSink struct{ recs []*Record }

func (m *memSink) Append(_ context.Context, r *Record) error {
	m.recs = append(m.recs, r)
	return nil
}
func (m *memSink) Close() error { return nil }

func TestMultiSink(t *testing.T) {
	boom := errors.New("disk full")
	mem := &memSink{}
	ms := MultiSink{failingSink{boom}, mem, Discard}

	if err := ms.Append(context.Background(), sampleRecord(1)); !errors.Is(err, boom) {
		t.Errorf("Append error = %v, want %v", err, boom)
	}
	if len(mem.recs) != 1 {
		t.Error("a failing sink stopped the fan-out")
	}
	if err := ms.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}

type fakePutter struct {
	key  string
	body []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.key = *in.Key
	b, err := io.ReadAll(in.Body)
	f.body = b
	return &s3.PutObjectOutput{}, err
}

func TestArchiver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "races.jsonl")
	l, err := OpenFile(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = l.Append(context.Background(), sampleRecord(1))
	_ = l.Close()

	put := &fakePutter{}
	a, err := NewArchiver(put, "bucket", "races/ci")
	if err != nil {
		t.Fatal(err)
	}
	a.host = "box"
	a.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	key, err := a.Archive(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "races/ci/box-20240102T030405Z.jsonl"; key != want || put.key != want {
		t.Errorf("key = %q (uploaded %q), want %q", key, put.key, want)
	}
	onDisk, _ := os.ReadFile(path)
	if !bytes.Equal(put.body, onDisk) {
		t.Error("uploaded body differs from the file")
	}

	if _, err := NewArchiver(put, "", ""); err == nil {
		t.Error("NewArchiver without bucket succeeded")
	}
	if _, err := a.Archive(context.Background(), filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Archive of a missing file succeeded")
	}
}
