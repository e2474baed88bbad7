package stick

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/helmworks/steadystick/internal/timeutil"
)

// AdaptationWorker drives the background learning cadence: once per adapt
// interval it gives every session one bounded unit of training work, and
// once per save interval it persists every profile. It provides
// context-aware lifecycle management so serving and learning shut down
// together.
type AdaptationWorker struct {
	manager       *SessionManager
	adaptInterval time.Duration
	saveInterval  time.Duration
	clock         timeutil.Clock
	logger        *log.Logger
	mu            sync.Mutex
	running       bool
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// AdaptationWorkerConfig contains configuration for AdaptationWorker.
type AdaptationWorkerConfig struct {
	// Manager is the session manager to drive.
	Manager *SessionManager
	// AdaptInterval is the training cadence (e.g. time.Second).
	// Non-positive values default to one second.
	AdaptInterval time.Duration
	// SaveInterval is the periodic profile save cadence. Non-positive
	// disables periodic saves; the final save still runs on shutdown.
	SaveInterval time.Duration
	// Clock is optional; if nil, uses the real clock.
	Clock timeutil.Clock
	// Logger is optional; if nil, uses log.Default().
	Logger *log.Logger
}

// NewAdaptationWorker creates a new AdaptationWorker.
func NewAdaptationWorker(cfg AdaptationWorkerConfig) *AdaptationWorker {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	adapt := cfg.AdaptInterval
	if adapt <= 0 {
		adapt = time.Second
	}
	return &AdaptationWorker{
		manager:       cfg.Manager,
		adaptInterval: adapt,
		saveInterval:  cfg.SaveInterval,
		clock:         clock,
		logger:        logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Run starts the worker loop. It blocks until the context is cancelled or
// Stop() is called, saving all profiles on the way out. Returns nil on
// clean shutdown.
func (w *AdaptationWorker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil // already running
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	defer func() {
		close(w.doneCh)
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	adaptTicker := w.clock.NewTicker(w.adaptInterval)
	defer adaptTicker.Stop()

	var saveC <-chan time.Time
	if w.saveInterval > 0 {
		saveTicker := w.clock.NewTicker(w.saveInterval)
		defer saveTicker.Stop()
		saveC = saveTicker.C()
	}

	w.logger.Printf("AdaptationWorker started: adapt=%v save=%v", w.adaptInterval, w.saveInterval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Printf("AdaptationWorker stopping due to context cancellation")
			w.saveFinal()
			return nil
		case <-w.stopCh:
			w.logger.Printf("AdaptationWorker stopping due to Stop() call")
			w.saveFinal()
			return nil
		case <-adaptTicker.C():
			w.adapt()
		case <-saveC:
			w.save()
		}
	}
}

// Stop requests the worker to stop and waits for it to finish. It is safe
// to call multiple times.
func (w *AdaptationWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	select {
	case <-w.stopCh:
		// already closed
	default:
		close(w.stopCh)
	}
	w.mu.Unlock()

	<-w.doneCh
}

// IsRunning returns whether the worker loop is active.
func (w *AdaptationWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// adapt performs one training pass over all sessions.
func (w *AdaptationWorker) adapt() {
	if w.manager == nil {
		return
	}
	if steps := w.manager.AdaptAll(); steps > 0 {
		w.logger.Printf("AdaptationWorker: %d session(s) took a training step", steps)
	}
}

// save persists all live profiles.
func (w *AdaptationWorker) save() {
	if w.manager == nil {
		return
	}
	if err := w.manager.SaveAll(); err != nil {
		w.logger.Printf("AdaptationWorker: error saving profiles: %v", err)
	}
}

// saveFinal persists all profiles before shutdown.
func (w *AdaptationWorker) saveFinal() {
	if w.manager == nil {
		return
	}
	if err := w.manager.SaveAll(); err != nil {
		w.logger.Printf("AdaptationWorker: error during final save: %v", err)
	} else {
		w.logger.Printf("AdaptationWorker: final profiles saved")
	}
}

// AdaptNow triggers an immediate adaptation pass outside the schedule.
func (w *AdaptationWorker) AdaptNow() {
	w.adapt()
}
