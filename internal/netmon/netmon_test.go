package netmon

import "testing"

func TestFiresOnlyOnTransitions(t *testing.T) {
	m := New(true)

	var events []bool
	m.Subscribe(func(online bool) {
		events = append(events, online)
	})

	m.Set(true)  // no-op
	m.Set(false) // transition
	m.Set(false) // no-op
	m.Set(true)  // transition

	if len(events) != 2 || events[0] != false || events[1] != true {
		t.Errorf("events = %v, want [false true]", events)
	}
	if !m.Online() {
		t.Error("Online = false, want true")
	}
}

func TestMultipleListeners(t *testing.T) {
	m := New(false)

	calls := 0
	m.Subscribe(func(bool) { calls++ })
	m.Subscribe(func(bool) { calls++ })

	m.Set(true)
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}
