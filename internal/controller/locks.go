package controller

import (
	"sync"

	"k8s.io/apimachinery/pkg/types"
)

// JobLocks serializes backup and restore jobs per instance. Both job
// reconcilers share one registry, so at most one job of either kind is
// active against an instance at a time. Locks are in-memory only; after a
// restart they are re-acquired from jobs whose status phase is Running.
type JobLocks struct {
	mu     sync.Mutex
	owners map[types.NamespacedName]types.NamespacedName
}

func NewJobLocks() *JobLocks {
	return &JobLocks{
		owners: make(map[types.NamespacedName]types.NamespacedName),
	}
}

// TryAcquire claims the instance for the given job. Re-acquiring a lock
// the job already holds succeeds, so recovery after a restart is
// idempotent.
func (l *JobLocks) TryAcquire(instance, job types.NamespacedName) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, held := l.owners[instance]
	if held {
		return owner == job
	}
	l.owners[instance] = job
	return true
}

// Release frees the instance, but only when the given job is the holder.
func (l *JobLocks) Release(instance, job types.NamespacedName) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, held := l.owners[instance]; held && owner == job {
		delete(l.owners, instance)
	}
}

// Holder reports the job currently holding the instance.
func (l *JobLocks) Holder(instance types.NamespacedName) (types.NamespacedName, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, held := l.owners[instance]
	return owner, held
}

// keyedMutex serializes work per resource key. The workqueue already
// guarantees one in-flight reconciliation per key; this makes the
// guarantee explicit for code paths tests drive directly. Entries live
// for the life of the process.
type keyedMutex struct {
	locks sync.Map
}

func (m *keyedMutex) lock(key types.NamespacedName) func() {
	value, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	mtx := value.(*sync.Mutex)
	mtx.Lock()
	return mtx.Unlock
}
