package pool

import (
	"context"
	"time"

	"github.com/pgdogdev/pgdog/pkg/doglog"
	"github.com/pgdogdev/pgdog/pkg/topology"
	"github.com/sethvargo/go-retry"
)

// Prober re-admits banned endpoints once their ban has expired and a
// probe query succeeds against them.
type Prober struct {
	pool     *Pool
	store    *topology.Store
	interval time.Duration
}

func NewProber(p *Pool, store *topology.Store, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		pool:     p,
		store:    store,
		interval: interval,
	}
}

// Run blocks until the context is cancelled.
func (pr *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(pr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pr.sweep(ctx)
		}
	}
}

func (pr *Prober) sweep(ctx context.Context) {
	expired := pr.pool.Bans().Expired()
	if len(expired) == 0 {
		return
	}

	snapshot := pr.store.Get()
	byID := map[string]*topology.Endpoint{}
	for _, ep := range snapshot.Endpoints() {
		byID[ep.ID()] = ep
	}

	for _, id := range expired {
		ep, ok := byID[id]
		if !ok {
			/* endpoint no longer in topology, drop the ban */
			pr.pool.Bans().Unban(id)
			continue
		}

		if err := pr.probe(ctx, ep); err != nil {
			doglog.Zero.Info().
				Str("endpoint", ep.Addr()).
				Err(err).
				Msg("probe of banned endpoint failed, keeping ban")
			continue
		}

		doglog.Zero.Info().
			Str("endpoint", ep.Addr()).
			Msg("endpoint probe succeeded, lifting ban")
		pr.pool.Bans().Unban(id)
	}
}

func (pr *Prober) probe(ctx context.Context, ep *topology.Endpoint) error {
	backoff := retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, err := pr.pool.alloc(ctx, ep)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = conn.Close() }()

		if err := conn.Exec("SELECT 1", 3*time.Second); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
