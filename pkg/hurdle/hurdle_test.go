package hurdle

import (
	"testing"

	"github.com/LSchlierf/CrashTestFuzz/pkg/types"
)

func TestPick_ScenarioS3(t *testing.T) {
	ft := types.FileOpTrace{"wal": {"write": 100}}
	got := Pick(ft, "wal", "write", 4)
	want := []int{25, 50, 75, 100}
	if len(got) != len(want) {
		t.Fatalf("Pick() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Pick() = %v, want %v", got, want)
		}
	}
}

func TestPick_DegenerateNoOccurrence(t *testing.T) {
	ft := types.FileOpTrace{}
	got := Pick(ft, "wal", "write", 3)
	for i, v := range got {
		if v != 1 {
			t.Fatalf("Pick()[%d] = %d, want 1 for degenerate trace", i, v)
		}
	}
}

func TestPick_HurdleSetLaw(t *testing.T) {
	cases := []struct {
		maxOps, steps int
	}{
		{100, 4}, {7, 3}, {1, 5}, {1000, 1}, {0, 6},
	}
	for _, c := range cases {
		ft := types.FileOpTrace{"f": {"write": c.maxOps}}
		got := Pick(ft, "f", "write", c.steps)
		if len(got) != c.steps {
			t.Fatalf("len(Pick()) = %d, want %d", len(got), c.steps)
		}
		stepSize := c.maxOps / c.steps
		if stepSize < 1 {
			stepSize = 1
		}
		if got[0] != stepSize {
			t.Fatalf("min hurdle = %d, want %d", got[0], stepSize)
		}
		if got[len(got)-1] != c.steps*stepSize {
			t.Fatalf("max hurdle = %d, want %d", got[len(got)-1], c.steps*stepSize)
		}
		for i := 1; i < len(got); i++ {
			if got[i] <= got[i-1] {
				t.Fatalf("Pick() not strictly increasing: %v", got)
			}
		}
	}
}

func TestTarget(t *testing.T) {
	targets := []string{"wal", "data"}
	if got := Target(targets, 0); got != "wal" {
		t.Errorf("Target(depth=0) = %q, want wal", got)
	}
	if got := Target(targets, 1); got != "data" {
		t.Errorf("Target(depth=1) = %q, want data", got)
	}
	if got := Target(targets, 5); got != "data" {
		t.Errorf("Target(depth=5) = %q, want data (held at last entry)", got)
	}
}
