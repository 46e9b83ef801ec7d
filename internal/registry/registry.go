// Package registry implements the Worker Registry: the in-memory table of
// every device the controller knows about, plus the roster file that
// persists PhoneConfig entries across restarts.
//
// An RWMutex-guarded map keyed by phoneid. The accessors hand out the
// shared *Worker handles themselves, not copies; the liveness sweep lives
// in the supervisor, not here.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mozilla/autophoned/internal/crash"
	"github.com/mozilla/autophoned/internal/ewma"
	"github.com/mozilla/autophoned/internal/model"
)

// Worker is the registry's runtime handle for one phone: its static
// config, lifecycle state, crash history, and health signal.
type Worker struct {
	Config model.PhoneConfig
	State  model.WorkerState

	RegisteredAt time.Time
	LastStatusAt time.Time
	LastStatus   string

	// FirstStatusOfTypeAt is when LastStatus first started being
	// reported, i.e. the timestamp of the oldest consecutive message of
	// the current status type. now.Sub(FirstStatusOfTypeAt) is "how
	// long the worker has held its current status".
	FirstStatusOfTypeAt time.Time

	// PrevStatus/PrevStatusAt record the status type and timestamp the
	// worker held immediately before transitioning to LastStatus, so
	// `status` can report how long ago the prior state ended.
	PrevStatus   string
	PrevStatusAt time.Time

	// CurrentBuildAt is the build time (from application.ini's BuildID)
	// of the most recent Job fanned out to this worker, zero if none
	// has been dispatched yet.
	CurrentBuildAt time.Time

	Crashes *crash.Counter
	Latency *ewma.EWMA // inter-status-message cadence, ambient only

	// Jobs is the per-worker job queue the dispatcher fans a Job out
	// to; the worker package drains it and forwards each Job to its
	// subprocess.
	Jobs chan model.Job

	// Proc is the live subprocess handle, set once the worker package
	// has started it. Nil until then, so command-verb lookups can fail
	// gracefully on a worker that is mid-restart.
	Proc Commander
}

// Commander is the subset of *worker.Process the registry, command
// server, and liveness scan need, kept as an interface so none of
// those packages import internal/worker directly.
type Commander interface {
	SendCommand(cmd model.WorkerCommand, args string) error
	Alive() bool
	Stop(grace time.Duration) error
}

// Registry is the thread-safe table of known workers, keyed by phoneid.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]*Worker
	crashCfg crash.Config
}

// New creates an empty Registry.
func New(crashCfg crash.Config) *Registry {
	return &Registry{
		workers:  make(map[string]*Worker),
		crashCfg: crashCfg,
	}
}

// Register adds a new worker or refreshes an existing one's config.
// A phone that reconnects with the same phoneid recovers its crash
// history rather than starting over.
func (r *Registry) Register(cfg model.PhoneConfig) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[cfg.PhoneID]; ok {
		w.Config = cfg
		w.State = model.WorkerStateRunning
		return w
	}

	w := &Worker{
		Config:       cfg,
		State:        model.WorkerStateNew,
		RegisteredAt: time.Now(),
		Crashes:      crash.New(r.crashCfg),
		Latency:      ewma.New(0.5),
		Jobs:         make(chan model.Job, 8),
	}
	r.workers[cfg.PhoneID] = w
	log.Info().Str("phoneid", cfg.PhoneID).Str("ip", cfg.IP).Msg("registered phone")
	return w
}

// Get returns the worker for a phoneid, if any.
func (r *Registry) Get(phoneID string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[phoneID]
	return w, ok
}

// Find looks up a worker by phoneid or by device serial, whichever
// matches first.
func (r *Registry) Find(phoneIDOrSerial string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if w, ok := r.workers[phoneIDOrSerial]; ok {
		return w, true
	}
	for _, w := range r.workers {
		if w.Config.Serial == phoneIDOrSerial {
			return w, true
		}
	}
	return nil, false
}

// List returns every registered worker, stable-ordered by phoneid.
func (r *Registry) List() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.PhoneID < out[j].Config.PhoneID })
	return out
}

// Remove drops a worker from the registry entirely.
func (r *Registry) Remove(phoneID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[phoneID]; !ok {
		return fmt.Errorf("worker %s not found", phoneID)
	}
	delete(r.workers, phoneID)
	return nil
}

// SetState transitions a worker's lifecycle state.
func (r *Registry) SetState(phoneID string, state model.WorkerState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[phoneID]
	if !ok {
		return fmt.Errorf("worker %s not found", phoneID)
	}
	w.State = state
	return nil
}

// RecordStatus updates last-seen bookkeeping for a worker's status
// message, including the EWMA cadence tracker and the status-type
// transition timestamps `status` reports.
func (r *Registry) RecordStatus(phoneID, status string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[phoneID]
	if !ok {
		return
	}
	if !w.LastStatusAt.IsZero() {
		w.Latency.Update(float64(at.Sub(w.LastStatusAt).Milliseconds()))
	}

	if status != w.LastStatus {
		w.PrevStatus = w.LastStatus
		w.PrevStatusAt = w.LastStatusAt
		w.FirstStatusOfTypeAt = at
	}

	w.LastStatusAt = at
	w.LastStatus = status
}

// SetCurrentBuild records the build time of the Job most recently
// fanned out to a worker. buildTime is seconds since epoch, as parsed
// from the build's application.ini; zero means no known build time.
func (r *Registry) SetCurrentBuild(phoneID string, buildTime int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[phoneID]
	if !ok || buildTime == 0 {
		return
	}
	w.CurrentBuildAt = time.Unix(buildTime, 0)
}

// Snapshot returns the current PhoneConfig for every registered worker,
// in the shape the roster file persists.
func (r *Registry) Snapshot() []model.PhoneConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.PhoneConfig, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Config)
	}
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}
