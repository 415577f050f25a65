// Package netmon exposes the device-level online/offline signal as an
// observable flag. The sync layer never probes the network itself; whatever
// owns the process (OS integration, a test) feeds transitions in through Set.
package netmon

import "sync"

type Listener func(online bool)

// Monitor is a thread-safe online flag with transition listeners. Listeners
// fire only on actual transitions, in subscription order, on the goroutine
// that called Set.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners []Listener
}

// New returns a monitor with the given initial state. No listener fires for
// the initial state.
func New(online bool) *Monitor {
	return &Monitor{online: online}
}

// Online reports the current state of the signal.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers a listener for future transitions.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Set updates the signal. Setting the current value is a no-op.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, l := range listeners {
		l(online)
	}
}
