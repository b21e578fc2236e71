package taskman

import (
	"hash/fnv"
	"sync"
)

// lockStripes is the fixed size of the striped lock table. Striping bounds
// memory: we never allocate one mutex per task, only per stripe.
const lockStripes = 256

// lockTable hands out per-task mutexes hashed into a fixed stripe set.
// Two tasks hashing to the same stripe serialize against each other, which
// is harmless; a single task is always serialized, which is the invariant
// the state machine relies on.
type lockTable struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripe for taskID and returns its release func.
func (lt *lockTable) lock(taskID string) func() {
	h := fnv.New32a()
	h.Write([]byte(taskID))
	mu := &lt.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
