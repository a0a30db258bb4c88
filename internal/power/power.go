// Package power arms the wake timer between waking periods.
package power

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	appLog "epdweather/internal/log"
)

// Sleeper suspends execution for one interval. It is called exactly once per
// waking period.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// TimerSleeper waits in-process until the next tick of a fixed-interval
// schedule.
type TimerSleeper struct {
	now func() time.Time
}

func NewTimerSleeper() *TimerSleeper {
	return &TimerSleeper{now: time.Now}
}

// NextWake is the wake time for interval d from now. Sub-second parts are
// dropped, like a cron schedule.
func NextWake(now time.Time, d time.Duration) time.Time {
	return cron.Every(d).Next(now)
}

func (s *TimerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	now := s.now()
	wake := NextWake(now, d)
	appLog.Info("sleeping", "until", wake.Format(time.RFC3339), "interval", d.String())

	t := time.NewTimer(wake.Sub(now))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// CommandSleeper runs an external command that suspends the board and
// returns on wake-up, such as "rtcwake -m mem -s {seconds}". The
// "{seconds}" and "{until}" placeholders are substituted in every argument.
type CommandSleeper struct {
	Argv []string
	now  func() time.Time
}

func NewCommandSleeper(argv []string) *CommandSleeper {
	return &CommandSleeper{Argv: argv, now: time.Now}
}

func (s *CommandSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if len(s.Argv) == 0 {
		return fmt.Errorf("power: sleep command is empty")
	}
	wake := NextWake(s.now(), d)
	argv := Expand(s.Argv, wake.Sub(s.now()), wake)

	appLog.Info("suspending", "cmd", strings.Join(argv, " "), "until", wake.Format(time.RFC3339))
	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("power: %s: %w (output: %s)", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Expand substitutes the sleep placeholders in argv.
func Expand(argv []string, d time.Duration, wake time.Time) []string {
	secs := int64(d.Round(time.Second) / time.Second)
	r := strings.NewReplacer(
		"{seconds}", strconv.FormatInt(secs, 10),
		"{until}", strconv.FormatInt(wake.Unix(), 10),
	)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
