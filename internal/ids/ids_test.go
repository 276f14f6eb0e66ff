package ids

import (
	"testing"
	"time"
)

func TestNewAtSortsWithClock(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewAt(base)
	b := NewAt(base)
	c := NewAt(base.Add(time.Millisecond))
	if !(a < b && b < c) {
		t.Fatalf("expected monotonic ids, got %s %s %s", a, b, c)
	}
	got, ok := Time(a)
	if !ok || !got.Equal(base) {
		t.Fatalf("unexpected timestamp %v ok=%v", got, ok)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	if _, ok := Time("not-an-id"); ok {
		t.Fatal("expected parse failure")
	}
}
