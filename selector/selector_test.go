package selector

import (
	"errors"
	"testing"

	"github.com/hupe1980/replaygo/core"
	"github.com/hupe1980/replaygo/model"
)

func allSelectors(t *testing.T) map[string]ItemSelector {
	t.Helper()

	prioritized, err := NewPrioritized(1)
	if err != nil {
		t.Fatalf("NewPrioritized failed: %v", err)
	}

	return map[string]ItemSelector{
		"uniform":     NewUniform(),
		"fifo":        NewFifo(),
		"lifo":        NewLifo(),
		"prioritized": prioritized,
		"heap":        NewHeap(true),
	}
}

func TestSelectorKeyConflicts(t *testing.T) {
	for name, s := range allSelectors(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.Insert(1, 1.0); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}

			var exists *ErrKeyExists
			if err := s.Insert(1, 2.0); !errors.As(err, &exists) {
				t.Errorf("duplicate Insert: got %v, want ErrKeyExists", err)
			}

			var notFound *ErrKeyNotFound
			if err := s.Delete(99); !errors.As(err, &notFound) {
				t.Errorf("Delete of unknown key: got %v, want ErrKeyNotFound", err)
			}
			if err := s.Update(99, 1.0); !errors.As(err, &notFound) {
				t.Errorf("Update of unknown key: got %v, want ErrKeyNotFound", err)
			}

			if err := s.Update(1, 3.0); err != nil {
				t.Errorf("Update of known key failed: %v", err)
			}
			if err := s.Delete(1); err != nil {
				t.Errorf("Delete of known key failed: %v", err)
			}
			if s.Len() != 0 {
				t.Errorf("Len after delete = %d, want 0", s.Len())
			}
		})
	}
}

func TestSelectorSampleEmpty(t *testing.T) {
	for name, s := range allSelectors(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Sample(); !errors.Is(err, ErrEmpty) {
				t.Errorf("Sample on empty selector: got %v, want ErrEmpty", err)
			}
		})
	}
}

func TestSelectorInsertThenDeleteRestoresState(t *testing.T) {
	for name, s := range allSelectors(t) {
		t.Run(name, func(t *testing.T) {
			for k := core.Key(1); k <= 5; k++ {
				if err := s.Insert(k, float64(k)); err != nil {
					t.Fatalf("Insert(%d) failed: %v", k, err)
				}
			}

			if err := s.Insert(100, 7.0); err != nil {
				t.Fatalf("Insert(100) failed: %v", err)
			}
			if err := s.Delete(100); err != nil {
				t.Fatalf("Delete(100) failed: %v", err)
			}

			if s.Len() != 5 {
				t.Fatalf("Len = %d, want 5", s.Len())
			}
			for range 100 {
				got, err := s.Sample()
				if err != nil {
					t.Fatalf("Sample failed: %v", err)
				}
				if got.Key == 100 {
					t.Fatal("sampled a deleted key")
				}
			}
		})
	}
}

func TestUniformProbability(t *testing.T) {
	s := NewUniform()
	for k := core.Key(0); k < 10; k++ {
		if err := s.Insert(k, 0); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}

		got, err := s.Sample()
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		want := 1 / float64(k+1)
		if got.Probability != want {
			t.Errorf("probability after %d inserts = %v, want %v", k+1, got.Probability, want)
		}
	}
}

func TestUniformDeleteSwapsTail(t *testing.T) {
	s := NewUniform()
	for k := core.Key(1); k <= 3; k++ {
		if err := s.Insert(k, 0); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}
	if err := s.Delete(2); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	seen := make(map[core.Key]bool)
	for range 200 {
		got, err := s.Sample()
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		seen[got.Key] = true
	}
	if seen[2] {
		t.Error("sampled deleted key 2")
	}
	if !seen[1] || !seen[3] {
		t.Errorf("surviving keys not all sampled: %v", seen)
	}
}

func TestFifoOrder(t *testing.T) {
	s := NewFifo()
	for k := core.Key(10); k <= 13; k++ {
		if err := s.Insert(k, 0); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	for want := core.Key(10); want <= 13; want++ {
		got, err := s.Sample()
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		if got.Key != want {
			t.Fatalf("Sample = %d, want %d", got.Key, want)
		}
		if got.Probability != 1 {
			t.Errorf("probability = %v, want 1", got.Probability)
		}
		if err := s.Delete(got.Key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}
}

func TestLifoOrder(t *testing.T) {
	s := NewLifo()
	for k := core.Key(1); k <= 4; k++ {
		if err := s.Insert(k, 0); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	for want := core.Key(4); want >= 1; want-- {
		got, err := s.Sample()
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		if got.Key != want {
			t.Fatalf("Sample = %d, want %d", got.Key, want)
		}
		if err := s.Delete(got.Key); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
	}
}

func TestHeapMinMax(t *testing.T) {
	minHeap := NewHeap(true)
	maxHeap := NewHeap(false)
	priorities := map[core.Key]float64{1: 0.9, 2: 0.1, 3: 0.5}
	for k, p := range priorities {
		if err := minHeap.Insert(k, p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
		if err := maxHeap.Insert(k, p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := minHeap.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if got.Key != 2 {
		t.Errorf("min heap root = %d, want 2", got.Key)
	}

	got, err = maxHeap.Sample()
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}
	if got.Key != 1 {
		t.Errorf("max heap root = %d, want 1", got.Key)
	}
}

// A re-updated key must move behind its ties, which is what LRU-style
// policies on top of the heap rely on.
func TestHeapUpdateMovesBehindTies(t *testing.T) {
	s := NewHeap(true)
	for k := core.Key(1); k <= 3; k++ {
		if err := s.Insert(k, 1.0); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, _ := s.Sample()
	if got.Key != 1 {
		t.Fatalf("initial root = %d, want 1 (oldest tie)", got.Key)
	}

	// Touch key 1; key 2 becomes the oldest tie.
	if err := s.Update(1, 1.0); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = s.Sample()
	if got.Key != 2 {
		t.Errorf("root after touch = %d, want 2", got.Key)
	}
}

func TestPrioritizedRejectsNegative(t *testing.T) {
	s, err := NewPrioritized(1)
	if err != nil {
		t.Fatalf("NewPrioritized failed: %v", err)
	}
	if err := s.Insert(1, -1); !errors.Is(err, ErrNegativePriority) {
		t.Errorf("Insert with negative priority: got %v, want ErrNegativePriority", err)
	}
	if err := s.Insert(1, 1); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Update(1, -2); !errors.Is(err, ErrNegativePriority) {
		t.Errorf("Update with negative priority: got %v, want ErrNegativePriority", err)
	}

	if _, err := NewPrioritized(-0.5); err == nil {
		t.Error("NewPrioritized with negative exponent should fail")
	}
}

func TestPrioritizedDistribution(t *testing.T) {
	s, err := NewPrioritized(1)
	if err != nil {
		t.Fatalf("NewPrioritized failed: %v", err)
	}
	priorities := map[core.Key]float64{1: 1.0, 2: 3.0, 3: 6.0}
	for k, p := range priorities {
		if err := s.Insert(k, p); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	const n = 1_000_000
	counts := make(map[core.Key]int)
	for range n {
		got, err := s.Sample()
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		counts[got.Key]++

		want := priorities[got.Key] / 10.0
		if diff := got.Probability - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("probability for key %d = %v, want %v", got.Key, got.Probability, want)
		}
	}

	for k, p := range priorities {
		want := p / 10.0
		got := float64(counts[k]) / n
		if got < want-0.01 || got > want+0.01 {
			t.Errorf("empirical frequency for key %d = %v, want %v +- 0.01", k, got, want)
		}
	}
}

func TestPrioritizedZeroPriorityNeverSampled(t *testing.T) {
	s, err := NewPrioritized(0.5)
	if err != nil {
		t.Fatalf("NewPrioritized failed: %v", err)
	}
	if err := s.Insert(1, 0); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Insert(2, 2.0); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	for range 1000 {
		got, err := s.Sample()
		if err != nil {
			t.Fatalf("Sample failed: %v", err)
		}
		if got.Key == 1 {
			t.Fatal("sampled a zero-priority key")
		}
	}
}

func TestPrioritizedMassInvariant(t *testing.T) {
	s, err := NewPrioritized(1)
	if err != nil {
		t.Fatalf("NewPrioritized failed: %v", err)
	}

	live := make(map[core.Key]float64)
	next := core.Key(0)
	for round := 0; round < 5000; round++ {
		switch round % 3 {
		case 0, 1:
			p := float64(round%17) * 0.25
			if err := s.Insert(next, p); err != nil {
				t.Fatalf("Insert failed: %v", err)
			}
			live[next] = p
			next++
		case 2:
			for k := range live {
				if round%2 == 0 {
					if err := s.Delete(k); err != nil {
						t.Fatalf("Delete failed: %v", err)
					}
					delete(live, k)
				} else {
					p := float64(round%11) * 0.5
					if err := s.Update(k, p); err != nil {
						t.Fatalf("Update failed: %v", err)
					}
					live[k] = p
				}
				break
			}
		}

		var want float64
		for _, p := range live {
			want += p
		}
		got := s.TotalMass()
		tolerance := 1e-4 * want
		if tolerance < 1e-9 {
			tolerance = 1e-9
		}
		if got < want-tolerance || got > want+tolerance {
			t.Fatalf("round %d: total mass = %v, want %v +- %v", round, got, want, tolerance)
		}
	}
}

func TestSelectorOptions(t *testing.T) {
	prioritized, err := NewPrioritized(0.7)
	if err != nil {
		t.Fatalf("NewPrioritized failed: %v", err)
	}

	tests := []struct {
		sel             ItemSelector
		kind            model.SelectorKind
		isDeterministic bool
	}{
		{NewUniform(), model.SelectorKindUniform, false},
		{NewFifo(), model.SelectorKindFifo, true},
		{NewLifo(), model.SelectorKindLifo, true},
		{prioritized, model.SelectorKindPrioritized, false},
		{NewHeap(false), model.SelectorKindHeap, true},
	}
	for _, tt := range tests {
		opts := tt.sel.Options()
		if opts.Kind != tt.kind {
			t.Errorf("Kind = %v, want %v", opts.Kind, tt.kind)
		}
		if opts.IsDeterministic != tt.isDeterministic {
			t.Errorf("%v: IsDeterministic = %v, want %v", tt.kind, opts.IsDeterministic, tt.isDeterministic)
		}
	}

	if got := prioritized.Options().PriorityExponent; got != 0.7 {
		t.Errorf("PriorityExponent = %v, want 0.7", got)
	}
	if got := NewHeap(false).Options().MinHeap; got {
		t.Error("MinHeap = true for max-heap")
	}
}

func TestNewFromOptions(t *testing.T) {
	for _, kind := range []model.SelectorKind{
		model.SelectorKindUniform,
		model.SelectorKindFifo,
		model.SelectorKindLifo,
		model.SelectorKindPrioritized,
		model.SelectorKindHeap,
	} {
		s, err := New(model.SelectorOptions{Kind: kind, PriorityExponent: 1})
		if err != nil {
			t.Fatalf("New(%v) failed: %v", kind, err)
		}
		if s.Options().Kind != kind {
			t.Errorf("round-trip kind = %v, want %v", s.Options().Kind, kind)
		}
	}

	if _, err := New(model.SelectorOptions{Kind: model.SelectorKind(42)}); err == nil {
		t.Error("New with unknown kind should fail")
	}
}

func TestSelectorClear(t *testing.T) {
	for name, s := range allSelectors(t) {
		t.Run(name, func(t *testing.T) {
			for k := core.Key(1); k <= 4; k++ {
				if err := s.Insert(k, float64(k)); err != nil {
					t.Fatalf("Insert failed: %v", err)
				}
			}
			s.Clear()
			if s.Len() != 0 {
				t.Fatalf("Len after Clear = %d, want 0", s.Len())
			}
			// A cleared selector accepts the old keys again.
			if err := s.Insert(1, 1.0); err != nil {
				t.Fatalf("Insert after Clear failed: %v", err)
			}
		})
	}
}
