package api

import "sync"

// viewerSlots caps concurrent live viewers per client address. A limit of
// zero means unlimited.
type viewerSlots struct {
	mu    sync.Mutex
	limit int
	byIP  map[string]int
}

func newViewerSlots(limit int) *viewerSlots {
	return &viewerSlots{limit: limit, byIP: make(map[string]int)}
}

func (v *viewerSlots) setLimit(limit int) {
	v.mu.Lock()
	v.limit = limit
	v.mu.Unlock()
}

func (v *viewerSlots) acquire(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.limit > 0 && v.byIP[ip] >= v.limit {
		return false
	}
	v.byIP[ip]++
	return true
}

func (v *viewerSlots) release(ip string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.byIP[ip] <= 1 {
		delete(v.byIP, ip)
		return
	}
	v.byIP[ip]--
}

func (v *viewerSlots) count(ip string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.byIP[ip]
}
