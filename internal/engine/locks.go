package engine

import (
	"hash/fnv"
	"sync"
)

// leadLocks serializes governance work per lead while letting unrelated
// leads proceed in parallel. Striped so memory stays bounded regardless of
// lead count; two leads sharing a stripe only cost a little contention.
type leadLocks struct {
	stripes [64]sync.Mutex
}

func (l *leadLocks) lock(leadID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(leadID))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}
