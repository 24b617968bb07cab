package clock

import (
	"testing"
	"time"
)

var base = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func TestFixed(t *testing.T) {
	t.Parallel()

	c := NewFixed(base)
	if !c.Now().Equal(base) {
		t.Error("fixed clock must report its pinned instant")
	}
	select {
	case <-c.After(time.Hour):
	default:
		t.Error("fixed clock After must fire immediately")
	}
}

func TestManual_AdvanceFiresWaiters(t *testing.T) {
	t.Parallel()

	m := NewManual(base)
	ch := m.After(10 * time.Minute)

	m.Advance(5 * time.Minute)
	select {
	case <-ch:
		t.Fatal("waiter fired before its deadline")
	default:
	}

	m.Advance(5 * time.Minute)
	select {
	case at := <-ch:
		if !at.Equal(base.Add(10 * time.Minute)) {
			t.Errorf("fired at %v", at)
		}
	default:
		t.Fatal("waiter did not fire at its deadline")
	}
}

func TestManual_SetNowNeverMovesBackward(t *testing.T) {
	t.Parallel()

	m := NewManual(base)
	m.SetNow(base.Add(time.Hour))
	m.SetNow(base) // ignored
	if !m.Now().Equal(base.Add(time.Hour)) {
		t.Error("SetNow must not move the clock backward")
	}
}

func TestManual_ZeroDurationAfterFiresImmediately(t *testing.T) {
	t.Parallel()

	m := NewManual(base)
	select {
	case <-m.After(0):
	default:
		t.Error("zero-duration After must fire without an Advance")
	}
}
