package jobqueue

// MaxPrunedIDs is how many pruned job ids a Table remembers.
const MaxPrunedIDs = 4096

// Table holds every job the scheduler knows about in submission order.
// It is owned by a single goroutine and does no locking of its own.
type Table struct {
	jobs   map[string]*Job
	order  []string
	queued []string

	// Ids dropped by PruneTerminal, oldest first, with their final status.
	pruned      map[string]Status
	prunedOrder []string
}

// NewTable initializes and returns an empty Table.
func NewTable() *Table {
	return &Table{
		jobs:   make(map[string]*Job),
		pruned: make(map[string]Status),
	}
}

// Add appends a Queued job.
func (t *Table) Add(j *Job) {
	t.jobs[j.ID] = j
	t.order = append(t.order, j.ID)
	t.queued = append(t.queued, j.ID)
}

// Get returns the job with the given id.
func (t *Table) Get(id string) (*Job, bool) {
	j, ok := t.jobs[id]
	return j, ok
}

// Len returns the number of jobs held.
func (t *Table) Len() int { return len(t.order) }

// NextQueued returns the oldest job still Queued without removing it, or
// nil. Entries that left Queued (cancelled) are discarded on the way.
func (t *Table) NextQueued() *Job {
	for len(t.queued) > 0 {
		j, ok := t.jobs[t.queued[0]]
		if ok && j.Status() == StatusQueued {
			return j
		}
		t.queued = t.queued[1:]
	}
	return nil
}

// Pop removes the head returned by NextQueued.
func (t *Table) Pop() *Job {
	j := t.NextQueued()
	if j != nil {
		t.queued = t.queued[1:]
	}
	return j
}

// QueuedCount returns how many jobs wait for a slot.
func (t *Table) QueuedCount() int {
	n := 0
	for _, id := range t.queued {
		if j, ok := t.jobs[id]; ok && j.Status() == StatusQueued {
			n++
		}
	}
	return n
}

// ActiveCount returns how many jobs are FetchingInfo or Downloading.
func (t *Table) ActiveCount() int {
	n := 0
	for _, id := range t.order {
		if t.jobs[id].Status().IsActive() {
			n++
		}
	}
	return n
}

// List returns every job, newest first.
func (t *Table) List() []*Job {
	out := make([]*Job, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		out = append(out, t.jobs[t.order[i]])
	}
	return out
}

// Live returns the jobs that are not yet terminal, oldest first.
func (t *Table) Live() []*Job {
	var out []*Job
	for _, id := range t.order {
		if j := t.jobs[id]; !j.Status().IsTerminal() {
			out = append(out, j)
		}
	}
	return out
}

// PruneTerminal drops the oldest terminal jobs so that at most keep of them
// remain. It returns how many were removed.
func (t *Table) PruneTerminal(keep int) int {
	terminal := 0
	for _, id := range t.order {
		if t.jobs[id].Status().IsTerminal() {
			terminal++
		}
	}
	excess := terminal - keep
	if excess <= 0 {
		return 0
	}
	removed := 0
	kept := t.order[:0]
	for _, id := range t.order {
		if j := t.jobs[id]; removed < excess && j.Status().IsTerminal() {
			t.remember(id, j.Status())
			delete(t.jobs, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
	return removed
}

// Pruned reports the final status of a job PruneTerminal dropped. Only the
// most recent MaxPrunedIDs ids are remembered.
func (t *Table) Pruned(id string) (Status, bool) {
	st, ok := t.pruned[id]
	return st, ok
}

func (t *Table) remember(id string, st Status) {
	t.pruned[id] = st
	t.prunedOrder = append(t.prunedOrder, id)
	if len(t.prunedOrder) > MaxPrunedIDs {
		delete(t.pruned, t.prunedOrder[0])
		t.prunedOrder[0] = ""
		t.prunedOrder = t.prunedOrder[1:]
	}
}
