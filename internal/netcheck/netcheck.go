// Package netcheck decides whether the device is online and waits for the
// network to come up during WiFi setup.
package netcheck

import (
	"context"
	"net"
	"os/exec"
	"time"

	appLog "epdweather/internal/log"
)

const (
	DefaultProbeAddress = "1.1.1.1:53"
	DefaultDialTimeout  = 3 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// Prober checks connectivity by opening a TCP connection to a well-known
// address.
type Prober struct {
	Address      string
	DialTimeout  time.Duration
	PollInterval time.Duration

	// SetupCommand, if set, is run once at the start of Setup (for example
	// "nmcli radio wifi on"). Its failure is logged, not returned.
	SetupCommand []string

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func New(address string, pollInterval time.Duration, setupCommand []string) *Prober {
	if address == "" {
		address = DefaultProbeAddress
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	d := &net.Dialer{}
	return &Prober{
		Address:      address,
		DialTimeout:  DefaultDialTimeout,
		PollInterval: pollInterval,
		SetupCommand: setupCommand,
		dial:         d.DialContext,
	}
}

// Connected reports whether the probe address is reachable right now.
func (p *Prober) Connected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.DialTimeout)
	defer cancel()

	conn, err := p.dial(ctx, "tcp", p.Address)
	if err != nil {
		appLog.Debug("netcheck: probe failed", "addr", p.Address, "err", err)
		return false
	}
	_ = conn.Close()
	return true
}

// Setup blocks until Connected succeeds or ctx is done; the caller bounds
// it with the WiFi setup timeout.
func (p *Prober) Setup(ctx context.Context) error {
	if len(p.SetupCommand) > 0 {
		cmd := exec.CommandContext(ctx, p.SetupCommand[0], p.SetupCommand[1:]...)
		if out, err := cmd.CombinedOutput(); err != nil {
			appLog.Error("netcheck: setup command failed", err, "output", string(out))
		}
	}

	t := time.NewTicker(p.PollInterval)
	defer t.Stop()
	for {
		if p.Connected(ctx) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
