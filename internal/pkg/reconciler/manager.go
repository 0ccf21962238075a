package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Manager runs the worker loop and the stuck-processing sweeper
type Manager struct {
	worker     *Worker
	events     EventStore
	recorder   Recorder
	sweepTimer *time.Ticker
	cancel     context.CancelFunc
	stopCh     chan struct{}
	errCh      chan error
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewManager creates a manager for the given worker. The sweeper uses the worker's event store.
func NewManager(worker *Worker) *Manager {
	return &Manager{
		worker:   worker,
		events:   worker.events,
		recorder: worker.recorder,
		errCh:    make(chan error, 1),
	}
}

// Worker returns the managed worker
func (m *Manager) Worker() *Worker {
	return m.worker
}

// State returns the worker loop state
func (m *Manager) State() State {
	return m.worker.State()
}

// Err delivers the error a worker loop stopped with. Nothing is sent on a regular Stop.
func (m *Manager) Err() <-chan error {
	return m.errCh
}

// Start starts the worker loop and the sweeper
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Info("[Reconciler Manager] Starting webhook worker and sweeper")

	m.wg.Add(1)
	go m.runWorker(ctx)

	cfg := m.worker.cfg
	m.sweepTimer = time.NewTicker(cfg.SweepInterval)
	m.wg.Add(1)
	go m.stuckSweeper(m.sweepTimer, m.stopCh, cfg.StuckMaxAge)

	log.Info("[Reconciler Manager] Started successfully")
}

// Stop cancels the worker loop, waits for the in-flight event and stops the sweeper
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}

	log.Info("[Reconciler Manager] Stopping webhook worker and sweeper...")
	m.shutdownLocked()
	m.mu.Unlock()

	m.wg.Wait()

	log.Info("[Reconciler Manager] Stopped successfully")
}

// shutdownLocked signals both goroutines to exit. Callers hold mu.
func (m *Manager) shutdownLocked() {
	if m.sweepTimer != nil {
		m.sweepTimer.Stop()
	}
	m.cancel()
	close(m.stopCh)
	m.stopCh = nil
	m.running = false
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) runWorker(ctx context.Context) {
	defer m.wg.Done()
	if err := m.worker.Run(ctx); err != nil {
		log.Errorf("[Reconciler Manager] Worker stopped with error: %v", err)
		m.mu.Lock()
		if m.running {
			m.shutdownLocked()
		}
		m.mu.Unlock()
		select {
		case m.errCh <- err:
		default:
		}
	}
}

// stuckSweeper periodically requeues events that stayed in the processing list longer than maxAge
func (m *Manager) stuckSweeper(ticker *time.Ticker, stopCh <-chan struct{}, maxAge time.Duration) {
	defer m.wg.Done()
	log.Infof("[Reconciler Manager] Stuck sweeper running (maxAge=%s)", maxAge)

	for {
		select {
		case <-stopCh:
			log.Info("[Reconciler Manager] Stuck sweeper stopping")
			return
		case <-ticker.C:
			if _, err := m.SweepOnce(maxAge); err != nil {
				log.Errorf("[Reconciler Manager] Sweep error: %v", err)
			}
		}
	}
}

// SweepOnce runs a single stuck-processing sweep
func (m *Manager) SweepOnce(maxAge time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.worker.cfg.StoreTimeout)
	defer cancel()

	n, err := m.events.RecoverStuck(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Infof("[Reconciler Manager] Requeued %d stuck events", n)
	}
	m.recorder.RecordRecovered(n)
	return n, nil
}
