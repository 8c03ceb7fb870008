// Package progress holds the installer's progress signal: a single
// mutable record read and written under its own mutex, kept separate from
// the service's coarse lock so polling get_install_progress never blocks
// behind a long commit_chunk.
package progress

import "sync"

// Status mirrors api/dsi.ProgressStatus without importing the API
// package, keeping this package dependency-free.
type Status int

const (
	NoOperation Status = iota
	Working
	Complete
)

// Snapshot is an immutable copy of the progress record.
type Snapshot struct {
	Step      string
	Status    Status
	Processed uint64
	Total     uint64
}

// Recorder is the mutable progress record.
type Recorder struct {
	mu   sync.Mutex
	snap Snapshot
}

// New returns an idle Recorder.
func New() *Recorder {
	return &Recorder{}
}

// Start resets the record to the beginning of a new operation.
func (r *Recorder) Start(step string, total uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap = Snapshot{Step: step, Status: Working, Total: total}
}

// Update atomically sets processed bytes, leaving Step/Total untouched.
func (r *Recorder) Update(processed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.Processed = processed
	r.snap.Status = Working
}

// Finish marks the record complete with processed == total.
func (r *Recorder) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.Processed = r.snap.Total
	r.snap.Status = Complete
}

// Reset returns the record to idle, e.g. after abort.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap = Snapshot{}
}

// Get returns a torn-free copy of the current record.
func (r *Recorder) Get() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snap
}
