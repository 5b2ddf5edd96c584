package legacysync

import "sync"

// networkMonitor holds the host-reported connectivity state. Transitions
// are edge-triggered: the callbacks fire once per flip, never on repeated
// reports of the same state.
type networkMonitor struct {
	mu        sync.Mutex
	online    bool
	onOnline  func()
	onOffline func()
}

func newNetworkMonitor(online bool) *networkMonitor {
	return &networkMonitor{online: online}
}

func (m *networkMonitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *networkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	onOnline, onOffline := m.onOnline, m.onOffline
	m.mu.Unlock()

	if !changed {
		return
	}
	if online && onOnline != nil {
		onOnline()
	}
	if !online && onOffline != nil {
		onOffline()
	}
}
