package clock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func goodResponse(offset time.Duration) *ntp.Response {
	now := time.Now()
	return &ntp.Response{
		Time:          now,
		ReferenceTime: now.Add(-time.Minute),
		Stratum:       2,
		ClockOffset:   offset,
	}
}

func TestSync_FallsBackToNextServer(t *testing.T) {
	c := NewNTPClock([]string{"bad", "good"}, time.Second)
	var asked []string
	c.query = func(host string, _ ntp.QueryOptions) (*ntp.Response, error) {
		asked = append(asked, host)
		if host == "bad" {
			return nil, errors.New("i/o timeout")
		}
		return goodResponse(time.Hour), nil
	}

	require.NoError(t, c.Sync(context.Background()))
	assert.Equal(t, []string{"bad", "good"}, asked)
	assert.True(t, c.Valid())
	assert.WithinDuration(t, time.Now().Add(time.Hour), c.Now(), 5*time.Second)
}

func TestSync_AllFail(t *testing.T) {
	c := NewNTPClock([]string{"a", "b"}, time.Second)
	c.query = func(host string, _ ntp.QueryOptions) (*ntp.Response, error) {
		if host == "b" {
			// Stratum 0 is a kiss-of-death packet.
			return &ntp.Response{}, nil
		}
		return nil, errors.New("no route")
	}

	err := c.Sync(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route")
	assert.False(t, c.Valid())
}

func TestSync_HonoursDeadline(t *testing.T) {
	c := NewNTPClock([]string{"a"}, time.Minute)
	var got time.Duration
	c.query = func(_ string, opt ntp.QueryOptions) (*ntp.Response, error) {
		got = opt.Timeout
		return goodResponse(0), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Sync(ctx))
	assert.LessOrEqual(t, got, 2*time.Second)
}
