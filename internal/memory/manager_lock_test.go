package memory

import (
	"sync"
	"testing"
)

func TestLockSession_PrunesReleasedEntries(t *testing.T) {
	m := &Manager{sessions: make(map[string]*sessionGate)}

	for _, id := range []string{"sess-1", "sess-2", "sess-3"} {
		unlock := m.lockSession(id)
		unlock()
	}

	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("lock table retained %d entries after release", n)
	}
}

func TestLockSession_SerializesConcurrentHolders(t *testing.T) {
	m := &Manager{sessions: make(map[string]*sessionGate)}

	var inside int
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.lockSession("sess-1")
			defer unlock()
			inside++
			if inside != 1 {
				t.Error("two holders inside the same session lock")
			}
			inside--
		}()
	}
	wg.Wait()

	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("lock table retained %d entries after all holders released", n)
	}
}
