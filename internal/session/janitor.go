package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Purger is a session store that can drop expired records in bulk.
// Stores with native expiry (redis) do not need one.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type JanitorConfig struct {
	Interval time.Duration
	Logger   *logrus.Logger
}

// Janitor periodically removes expired sessions from a Purger.
type Janitor struct {
	cfg    JanitorConfig
	store  Purger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewJanitor(store Purger, cfg JanitorConfig) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Janitor{cfg: cfg, store: store}
}

// Start runs one sweep immediately and then one per interval until ctx is
// cancelled or Shutdown is called.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.sweep(ctx)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

func (j *Janitor) Shutdown() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.store.PurgeExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.cfg.Logger.WithError(err).Warn("purge expired sessions")
		}
		return
	}
	if n > 0 {
		j.cfg.Logger.WithField("count", n).Info("purged expired sessions")
	}
}
