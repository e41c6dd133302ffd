package mathutil

import (
	"math"
	"testing"
)

func TestSaturatingSubU32(t *testing.T) {
	cases := []struct{ x, y, want uint32 }{
		{10, 3, 7},
		{3, 10, 0},
		{0, 0, 0},
		{5, 5, 0},
	}
	for _, c := range cases {
		if got := SaturatingSubU32(c.x, c.y); got != c.want {
			t.Errorf("SaturatingSubU32(%d,%d) = %d, want %d", c.x, c.y, got, c.want)
		}
	}
}

func TestSaturate(t *testing.T) {
	if got := Saturate(-5, 0, 10); got != 0 {
		t.Errorf("expected clamp to min, got %v", got)
	}
	if got := Saturate(15, 0, 10); got != 10 {
		t.Errorf("expected clamp to max, got %v", got)
	}
	if got := Saturate(5, 0, 10); got != 5 {
		t.Errorf("expected value unchanged inside range, got %v", got)
	}
}

func TestQuadInterpEndpoints(t *testing.T) {
	if got := QuadInterp(0, 0, 200, 450, 2000); got != 200 {
		t.Errorf("expected v1 at x1, got %v", got)
	}
	if got := QuadInterp(450, 0, 200, 450, 2000); got != 2000 {
		t.Errorf("expected v2 at x2, got %v", got)
	}
	if got := QuadInterp(-10, 0, 200, 450, 2000); got != 200 {
		t.Errorf("expected v1 below x1, got %v", got)
	}
	if got := QuadInterp(1000, 0, 200, 450, 2000); got != 2000 {
		t.Errorf("expected v2 above x2, got %v", got)
	}
}

func TestQuadInterpMidpoint(t *testing.T) {
	got := QuadInterp(225, 0, 200, 450, 2000)
	want := math.Sqrt((200.0*200.0 + 2000.0*2000.0) / 2)
	if math.Abs(got-want) > 0.5 {
		t.Errorf("QuadInterp midpoint = %v, want ~%v", got, want)
	}
}

func TestClampU32(t *testing.T) {
	if got := ClampU32(5, 10, 20); got != 10 {
		t.Errorf("expected clamp to lo, got %d", got)
	}
	if got := ClampU32(25, 10, 20); got != 20 {
		t.Errorf("expected clamp to hi, got %d", got)
	}
	if got := ClampU32(15, 10, 20); got != 15 {
		t.Errorf("expected value unchanged, got %d", got)
	}
}
