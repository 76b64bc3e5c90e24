// Package clock keeps a background-refreshed network time sample.
package clock

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/shaunagostinho/fixbridge/internal/config"
)

const queryTimeout = 5 * time.Second

// Estimate is the most recent successful network time sample.
type Estimate struct {
	Value      time.Time // server transmit time
	ObtainedAt time.Time // local clock when the sample arrived
}

// QueryFunc asks host for the current time.
type QueryFunc func(ctx context.Context, host string, timeout time.Duration) (time.Time, error)

// Reconciler refreshes an Estimate on a fixed period. Failed queries keep
// the previous estimate.
type Reconciler struct {
	cfg   *config.Store
	query QueryFunc
	now   func() time.Time

	mu   sync.RWMutex
	est  Estimate
	have bool
}

// New returns a Reconciler using NTP. query may be nil.
func New(cfg *config.Store, query QueryFunc) *Reconciler {
	if query == nil {
		query = QueryNTP
	}
	return &Reconciler{cfg: cfg, query: query, now: time.Now}
}

// QueryNTP performs one NTPv3 query.
func QueryNTP(ctx context.Context, host string, timeout time.Duration) (time.Time, error) {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	resp, err := ntp.QueryWithOptions(host, ntp.QueryOptions{Version: 3, Timeout: timeout})
	if err != nil {
		return time.Time{}, err
	}
	if err := resp.Validate(); err != nil {
		return time.Time{}, fmt.Errorf("ntp %s: %w", host, err)
	}
	return resp.Time, nil
}

// Run refreshes until ctx is cancelled. The period is re-read from config
// after every query.
func (r *Reconciler) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.Refresh(ctx)
			timer.Reset(r.cfg.Load().NTPRefresh())
		}
	}
}

// Refresh performs one query and reports whether it succeeded.
func (r *Reconciler) Refresh(ctx context.Context) bool {
	host := r.cfg.Load().NTPServer
	if host == "" {
		return false
	}
	t, err := r.query(ctx, host, queryTimeout)
	if err != nil {
		return false
	}
	obtained := r.now()

	r.mu.Lock()
	first := !r.have
	r.est = Estimate{Value: t, ObtainedAt: obtained}
	r.have = true
	r.mu.Unlock()

	if first {
		log.Printf("[clock] first sample from %s: offset %v", host, t.Sub(obtained).Round(time.Millisecond))
	}
	return true
}

// Current returns the latest estimate, if any. It never blocks on I/O.
func (r *Reconciler) Current() (Estimate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.est, r.have
}
