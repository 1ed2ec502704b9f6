package wal

import (
	"log"
	"sync"

	"github.com/robfig/cron/v3"
)

// AutoCheckpointer runs Checkpoint on a cron schedule in the background.
// Disabled by default — the caller must construct and Start one explicitly.
// Generalizes the teacher's scheduler.go Scheduler (a cron.Cron driving
// user-defined SQL jobs) to a single internal maintenance job.
type AutoCheckpointer struct {
	mu      sync.Mutex
	cron    *cron.Cron
	coord   *Coordinator
	apply   Applier
	logger  *log.Logger
	running bool
}

// NewAutoCheckpointer builds a checkpointer for coord that will call apply
// on each scheduled run. logger may be nil, in which case log.Default() is
// used.
func NewAutoCheckpointer(coord *Coordinator, apply Applier, logger *log.Logger) *AutoCheckpointer {
	if logger == nil {
		logger = log.Default()
	}
	return &AutoCheckpointer{
		cron:   cron.New(cron.WithSeconds()),
		coord:  coord,
		apply:  apply,
		logger: logger,
	}
}

// Start schedules periodic checkpoints per spec, a six-field cron
// expression whose first field is seconds (e.g. "*/30 * * * * *" for every
// 30 seconds).
func (a *AutoCheckpointer) Start(spec string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	_, err := a.cron.AddFunc(spec, func() {
		if err := a.coord.Checkpoint(a.apply); err != nil {
			a.logger.Printf("wal: auto-checkpoint failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	a.cron.Start()
	a.running = true
	return nil
}

// Stop halts the background scheduler, waiting for any in-flight
// checkpoint to finish.
func (a *AutoCheckpointer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return
	}
	<-a.cron.Stop().Done()
	a.running = false
}
