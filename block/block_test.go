package block

import "testing"

func TestNewDerivesStepsEventCount(t *testing.T) {
	b := New([NumAxes]uint32{100, 500, 20}, [NumAxes]bool{}, 200, 2000, 200, 2000, 40, 100, 400, 5.0)
	if b.StepsEventCount != 500 {
		t.Errorf("expected steps_event_count 500, got %d", b.StepsEventCount)
	}
}

func TestValidateRejectsBadOrdering(t *testing.T) {
	b := New([NumAxes]uint32{1000, 0, 0}, [NumAxes]bool{}, 200, 2000, 200, 2000, 40, 600, 400, 5.0)
	if err := b.Validate(); err == nil {
		t.Errorf("expected error for accelerate_until > decelerate_after")
	}
}

func TestValidateRejectsDecelAfterBeyondEventCount(t *testing.T) {
	b := New([NumAxes]uint32{1000, 0, 0}, [NumAxes]bool{}, 200, 2000, 200, 2000, 40, 100, 2000, 5.0)
	if err := b.Validate(); err == nil {
		t.Errorf("expected error for decelerate_after > steps_event_count")
	}
}

func TestValidateAcceptsWellFormedBlock(t *testing.T) {
	b := New([NumAxes]uint32{1000, 500, 100}, [NumAxes]bool{}, 200, 2000, 200, 2000, 40, 450, 550, 10.0)
	if err := b.Validate(); err != nil {
		t.Errorf("expected valid block, got %v", err)
	}
}

func TestIsTrivial(t *testing.T) {
	zeroLen := New([NumAxes]uint32{100, 0, 0}, [NumAxes]bool{}, 0, 0, 0, 0, 0, 0, 0, 0)
	if !zeroLen.IsTrivial() {
		t.Errorf("expected zero-length block to be trivial")
	}

	zeroSteps := New([NumAxes]uint32{0, 0, 0}, [NumAxes]bool{}, 0, 0, 0, 0, 0, 0, 0, 5.0)
	if !zeroSteps.IsTrivial() {
		t.Errorf("expected all-zero-steps block to be trivial")
	}

	real := New([NumAxes]uint32{100, 0, 0}, [NumAxes]bool{}, 200, 2000, 200, 2000, 40, 0, 100, 5.0)
	if real.IsTrivial() {
		t.Errorf("expected block with steps and length to be non-trivial")
	}
}

func TestKeepMoving(t *testing.T) {
	keep := New([NumAxes]uint32{100, 0, 0}, [NumAxes]bool{}, 200, 2000, 500, 2000, 40, 0, 100, 5.0)
	if !keep.KeepMoving() {
		t.Errorf("expected keep_moving true when final_rate > rate_delta")
	}

	stop := New([NumAxes]uint32{100, 0, 0}, [NumAxes]bool{}, 200, 2000, 20, 2000, 40, 0, 100, 5.0)
	if stop.KeepMoving() {
		t.Errorf("expected keep_moving false when final_rate <= rate_delta")
	}
}

func TestTakeReleaseRefcount(t *testing.T) {
	b := New([NumAxes]uint32{100, 0, 0}, [NumAxes]bool{}, 200, 2000, 200, 2000, 40, 0, 100, 5.0)
	b.Take()
	if b.RefCount() != 1 {
		t.Errorf("expected refcount 1 after Take, got %d", b.RefCount())
	}
	b.Take()
	if b.RefCount() != 2 {
		t.Errorf("expected refcount 2 after second Take, got %d", b.RefCount())
	}
	if b.Release() {
		t.Errorf("expected Release to report false while refcount > 0")
	}
	if !b.Release() {
		t.Errorf("expected Release to report true when refcount reaches 0")
	}
}

func TestAxisString(t *testing.T) {
	cases := map[Axis]string{Alpha: "alpha", Beta: "beta", Gamma: "gamma"}
	for axis, want := range cases {
		if got := axis.String(); got != want {
			t.Errorf("Axis(%d).String() = %q, want %q", axis, got, want)
		}
	}
}
