package transfer

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// slotManager owns the global and per-user upload-slot budgets. Per-user
// semaphores are created lazily and reaped once idle, so a long-lived
// daemon doesn't accumulate one permanently per username it has ever seen.
type slotManager struct {
	global *semaphore.Weighted

	mu         sync.Mutex
	perUser    map[string]*perUserSlot
	maxPerUser int64
}

type perUserSlot struct {
	sem   *semaphore.Weighted
	inUse int
}

func newSlotManager(maxGlobal, maxPerUser int64) *slotManager {
	return &slotManager{
		global:     semaphore.NewWeighted(maxGlobal),
		perUser:    map[string]*perUserSlot{},
		maxPerUser: maxPerUser,
	}
}

func (m *slotManager) userSlot(username string) *perUserSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.perUser[username]
	if !ok {
		u = &perUserSlot{sem: semaphore.NewWeighted(m.maxPerUser)}
		m.perUser[username] = u
	}
	u.inUse++
	return u
}

func (m *slotManager) release(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.perUser[username]
	if !ok {
		return
	}
	u.inUse--
	if u.inUse <= 0 {
		delete(m.perUser, username)
	}
}

// downloadLimiter implements §4.2's "single-slot admission lock": at most
// maxConcurrent enqueue operations may run at a time; beyond that, callers
// get an immediate RateLimited refusal rather than blocking.
type downloadLimiter struct {
	sem *semaphore.Weighted
}

func newDownloadLimiter(maxConcurrent int64) *downloadLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &downloadLimiter{sem: semaphore.NewWeighted(maxConcurrent)}
}

func (d *downloadLimiter) TryAcquire() bool { return d.sem.TryAcquire(1) }
func (d *downloadLimiter) Release()         { d.sem.Release(1) }
