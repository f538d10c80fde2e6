// Package dial connects a daemon to its tree parent with bounded retries.
package dial

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// Dialer retries TCP connects with backoff.
type Dialer struct {
	cfg Config
	rng *rand.Rand
}

func New(cfg Config) *Dialer {
	return &Dialer{
		cfg: cfg.WithDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dial connects to addr, retrying until it succeeds, attempts run out or ctx
// ends.
func (d *Dialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	var attempt int
	for {
		attempt++
		nd := net.Dialer{Timeout: d.cfg.ConnectTimeout}
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		log.Debug().Int("attempt", attempt).Str("addr", addr).Err(err).Msg("dial.Dial attempt failed")
		if !d.shouldRetry(attempt) || ctx.Err() != nil {
			return nil, err
		}
		if err := d.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (d *Dialer) shouldRetry(attempt int) bool {
	if d.cfg.MaxAttempts <= 0 {
		return true
	}
	return attempt < d.cfg.MaxAttempts
}

func (d *Dialer) sleepBackoff(ctx context.Context, attempt int) error {
	delay := NextBackoffDelay(d.cfg.Backoff, attempt, d.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
