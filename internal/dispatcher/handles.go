package dispatcher

import (
	"slices"
	"sync"

	"replaytasker/internal/apperrors"
	"replaytasker/internal/replay"
)

// handleTable tracks the live worker for each job, keyed by job id.
// Extra live instances found for a job that already has one are kept as
// strays, keyed by instance id, until liveness sees them gone.
// The dispatcher loop and operator holds mutate it; readers take the read lock.
type handleTable struct {
	mu      sync.RWMutex
	handles map[string]*replay.Instance
	strays  map[string]replay.Instance
}

func newHandleTable() *handleTable {
	return &handleTable{
		handles: make(map[string]*replay.Instance),
		strays:  make(map[string]replay.Instance),
	}
}

// reserve claims the slot for a job before its worker is launched.
// The slot holds nil until commit is called.
func (t *handleTable) reserve(jobID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.handles[jobID]; exists {
		return apperrors.Conflict("worker", jobID, "job already has a live worker")
	}
	t.handles[jobID] = nil
	return nil
}

// commit fills in a reserved slot with the launched instance.
func (t *handleTable) commit(inst replay.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles[inst.JobID] = &inst
}

// release removes a job's slot. Returns the instance if it was committed.
func (t *handleTable) release(jobID string) (*replay.Instance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inst, exists := t.handles[jobID]
	if exists {
		delete(t.handles, jobID)
	}
	return inst, exists
}

// releaseHold frees a reservation that never got an instance. A slot that
// was filled in the meantime, e.g. by a reconcile, is left alone.
func (t *handleTable) releaseHold(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if inst, ok := t.handles[jobID]; ok && inst == nil {
		delete(t.handles, jobID)
	}
}

// get returns a job's instance. Returns (nil, true) if reserved but not yet committed.
func (t *handleTable) get(jobID string) (*replay.Instance, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	inst, exists := t.handles[jobID]
	return inst, exists
}

// list returns the committed instances and strays ordered by start time.
func (t *handleTable) list() []replay.Instance {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]replay.Instance, 0, len(t.handles)+len(t.strays))
	for _, inst := range t.handles {
		if inst != nil {
			out = append(out, *inst)
		}
	}
	for _, inst := range t.strays {
		out = append(out, inst)
	}
	slices.SortFunc(out, func(a, b replay.Instance) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// jobIDs returns every job with a slot, reserved or committed.
func (t *handleTable) jobIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]string, 0, len(t.handles))
	for id := range t.handles {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// len counts slots and strays; both hold capacity.
func (t *handleTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles) + len(t.strays)
}

// drop forgets one instance. When a job's tracked instance goes and a stray
// for the same job is still around, the stray takes its place.
func (t *handleTable) drop(inst replay.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.strays[inst.InstanceID]; ok {
		delete(t.strays, inst.InstanceID)
		return
	}
	cur, ok := t.handles[inst.JobID]
	if !ok || cur == nil || cur.InstanceID != inst.InstanceID {
		return
	}
	delete(t.handles, inst.JobID)
	for id, stray := range t.strays {
		if stray.JobID == inst.JobID {
			delete(t.strays, id)
			t.handles[inst.JobID] = &stray
			return
		}
	}
}

// reset replaces the table with the platform's view. The earliest instance of
// a job becomes its handle and later ones become strays. Reservations without
// an instance, such as operator holds, survive.
func (t *handleTable) reset(instances []replay.Instance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sorted := slices.Clone(instances)
	slices.SortStableFunc(sorted, func(a, b replay.Instance) int {
		return a.StartedAt.Compare(b.StartedAt)
	})

	handles := make(map[string]*replay.Instance, len(sorted))
	for jobID, inst := range t.handles {
		if inst == nil {
			handles[jobID] = nil
		}
	}
	strays := make(map[string]replay.Instance)
	for _, inst := range sorted {
		if cur, ok := handles[inst.JobID]; ok && cur != nil {
			strays[inst.InstanceID] = inst
			continue
		}
		handles[inst.JobID] = &inst
	}
	t.handles = handles
	t.strays = strays
}

// strayCount reports extra instances sharing a job with a tracked one.
func (t *handleTable) strayCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.strays)
}
