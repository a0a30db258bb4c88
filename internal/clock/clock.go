// Package clock checks the wall clock against NTP. The system clock is not
// stepped; the measured offset is applied to Now instead.
package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/beevik/ntp"

	appLog "epdweather/internal/log"
)

var DefaultServers = []string{"pool.ntp.org", "time.google.com"}

const DefaultTimeout = 5 * time.Second

// NTPClock is a display clock corrected by the last successful NTP query.
type NTPClock struct {
	Servers []string
	Timeout time.Duration

	query func(host string, opt ntp.QueryOptions) (*ntp.Response, error)

	mu     sync.RWMutex
	offset time.Duration
	valid  bool
}

func NewNTPClock(servers []string, timeout time.Duration) *NTPClock {
	if len(servers) == 0 {
		servers = DefaultServers
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NTPClock{Servers: servers, Timeout: timeout, query: ntp.QueryWithOptions}
}

// Sync queries the servers in order until one gives a valid answer.
func (c *NTPClock) Sync(ctx context.Context) error {
	var errs []error
	for _, host := range c.Servers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		timeout := c.Timeout
		if dl, ok := ctx.Deadline(); ok {
			timeout = min(timeout, time.Until(dl))
		}

		resp, err := c.query(host, ntp.QueryOptions{Timeout: timeout})
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", host, err))
			continue
		}

		c.mu.Lock()
		c.offset = resp.ClockOffset
		c.valid = true
		c.mu.Unlock()
		appLog.Info("clock: synced", "server", host, "offset", resp.ClockOffset.String())
		return nil
	}

	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
	return fmt.Errorf("clock: ntp sync failed: %w", errors.Join(errs...))
}

// Valid reports whether the last Sync succeeded.
func (c *NTPClock) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.valid
}

func (c *NTPClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// System trusts the host clock (e.g. systemd-timesyncd already runs).
type System struct{}

func (System) Sync(context.Context) error { return nil }
func (System) Valid() bool                { return true }
func (System) Now() time.Time             { return time.Now() }
