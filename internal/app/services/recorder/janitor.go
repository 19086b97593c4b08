package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/haven-app/usage_layer/internal/app/system"
	"github.com/haven-app/usage_layer/pkg/logger"
)

var _ system.Service = (*Janitor)(nil)

// DefaultJanitorInterval is how often abandoned markers are scanned for.
const DefaultJanitorInterval = time.Hour

// Janitor periodically recovers abandoned sessions. It runs one recovery
// pass immediately on start, so sessions orphaned by a crash are folded as
// soon as the process is back.
type Janitor struct {
	service  *Service
	log      *logger.Logger
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewJanitor creates a lifecycle-managed recovery worker.
func NewJanitor(service *Service, interval time.Duration, log *logger.Logger) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	if log == nil {
		log = logger.NewDefault("session-janitor")
	}
	return &Janitor{
		service:  service,
		log:      log,
		interval: interval,
	}
}

func (j *Janitor) Name() string { return "session-janitor" }

func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.running = true
	j.mu.Unlock()

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.tick(runCtx)

		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				j.tick(runCtx)
			}
		}
	}()

	j.log.Info("session janitor started")
	return nil
}

func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return nil
	}
	cancel := j.cancel
	j.running = false
	j.cancel = nil
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		j.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	j.log.Info("session janitor stopped")
	return nil
}

func (j *Janitor) tick(ctx context.Context) {
	if j.service == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	recovered, err := j.service.RecoverAbandoned(ctx)
	if err != nil {
		j.log.WithError(err).Warn("session janitor tick failed")
		return
	}
	if recovered > 0 {
		j.log.WithField("recovered", recovered).Info("abandoned sessions recovered")
	}
}
