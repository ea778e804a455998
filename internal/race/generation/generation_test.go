package generation

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDiff(t *testing.T) {
	r := NewRegistry()
	for _, tid := range []int64{8, 1, 3} {
		r.ThreadDied(tid)
	}

	if got := r.Generation(); got != 3 {
		t.Fatalf("Generation() = %d, want 3", got)
	}

	tests := []struct {
		since int64
		want  []int64
	}{
		{0, []int64{1, 3, 8}},
		{1, []int64{1, 3}},
		{2, []int64{3}},
		{3, nil},
		{10, nil},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, r.Diff(tt.since)); diff != "" {
			t.Errorf("Diff(%d) mismatch (-want +got):\n%s", tt.since, diff)
		}
	}
}

func TestDeaths_GenerationOrder(t *testing.T) {
	r := NewRegistry()
	if _, err := r.ThreadDiedAt(5, 12); err != nil {
		t.Fatal(err)
	}
	r.ThreadDied(2)

	want := []Death{
		{TID: 5, Generation: 1, LastAccess: 12},
		{TID: 2, Generation: 2, LastAccess: UnknownFrame},
	}
	if diff := cmp.Diff(want, r.Deaths(0)); diff != "" {
		t.Errorf("Deaths(0) mismatch (-want +got):\n%s", diff)
	}

	d, ok := r.DeathOf(5)
	if !ok || d.Generation != 1 {
		t.Errorf("DeathOf(5) = %+v, %v", d, ok)
	}
	if _, ok := r.DeathOf(7); ok {
		t.Error("DeathOf(7) found a live thread")
	}
	if !r.Dead(2, 2) || r.Dead(2, 1) {
		t.Error("Dead() does not respect the generation bound")
	}
}

func TestThreadDied_Repeat(t *testing.T) {
	r := NewRegistry()
	g := r.ThreadDied(4)
	if again := r.ThreadDied(4); again != g {
		t.Errorf("repeated ThreadDied = %d, want %d", again, g)
	}
	if r.Generation() != 1 {
		t.Errorf("Generation() = %d after repeat, want 1", r.Generation())
	}
	if _, err := r.ThreadDiedAt(4, 1); !errors.Is(err, ErrAlreadyDead) {
		t.Errorf("ThreadDiedAt(dead) error = %v, want ErrAlreadyDead", err)
	}
}

// TestConcurrentDeaths checks generations stay unique and dense under
// concurrent writers and readers.
func TestConcurrentDeaths(t *testing.T) {
	r := NewRegistry()
	const n = 64

	var wg sync.WaitGroup
	for i := int64(0); i < n; i++ {
		wg.Add(2)
		go func(tid int64) {
			defer wg.Done()
			r.ThreadDied(tid)
		}(i)
		go func() {
			defer wg.Done()
			_ = r.Diff(r.Generation() / 2)
		}()
	}
	wg.Wait()

	deaths := r.Deaths(0)
	if len(deaths) != n {
		t.Fatalf("len(Deaths) = %d, want %d", len(deaths), n)
	}
	for i, d := range deaths {
		if d.Generation != int64(i+1) {
			t.Errorf("deaths[%d].Generation = %d, want %d", i, d.Generation, i+1)
		}
	}
}
