package network

import "sync"

// hostSlots caps concurrent holders per remote host. A non-positive max
// disables the cap.
type hostSlots struct {
	mu     sync.Mutex
	max    int
	inUse  map[string]int
	denied uint64
}

func newHostSlots(max int) *hostSlots {
	return &hostSlots{max: max, inUse: make(map[string]int)}
}

func (h *hostSlots) acquire(host string) bool {
	if h.max <= 0 {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inUse[host] >= h.max {
		h.denied++
		return false
	}
	h.inUse[host]++
	return true
}

func (h *hostSlots) release(host string) {
	if h.max <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := h.inUse[host]; n > 1 {
		h.inUse[host] = n - 1
		return
	}
	delete(h.inUse, host)
}

// held reports the slots in use by host and the total refusals so far.
func (h *hostSlots) held(host string) (int, uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse[host], h.denied
}
