package session

import (
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func Test_Keepalive_schedule(t *testing.T) {
	k := NewKeepalive()
	start := time.Unix(1000, 0)
	assert.False(t, k.NeedPing(start.Add(time.Hour)))
	assert.False(t, k.Expired(start.Add(time.Hour)))

	k.Reset(60*time.Second, start)
	assert.False(t, k.NeedPing(start.Add(29*time.Second)))
	assert.True(t, k.NeedPing(start.Add(30*time.Second)))
	assert.False(t, k.Expired(start.Add(60*time.Second)))
	assert.True(t, k.Expired(start.Add(61*time.Second)))
}

func Test_Keepalive_sendSuppressesPing(t *testing.T) {
	k := NewKeepalive()
	start := time.Unix(1000, 0)
	k.Reset(60*time.Second, start)

	k.Sent(start.Add(25 * time.Second))
	assert.False(t, k.NeedPing(start.Add(40*time.Second)))
	assert.True(t, k.NeedPing(start.Add(55*time.Second)))
}

func Test_Keepalive_receiveDefersExpiry(t *testing.T) {
	k := NewKeepalive()
	start := time.Unix(1000, 0)
	k.Reset(60*time.Second, start)

	k.Received(start.Add(50 * time.Second))
	assert.False(t, k.Expired(start.Add(100*time.Second)))
	assert.True(t, k.Expired(start.Add(111*time.Second)))
	assert.Equal(t, start.Add(50*time.Second), k.LastReceived())
	// 收到数据不影响发送侧心跳
	assert.True(t, k.NeedPing(start.Add(30*time.Second)))
}

func Test_Recovery_backoff(t *testing.T) {
	r := NewRecovery(100*time.Millisecond, time.Second)
	var got []time.Duration
	for i := 0; i < 6; i++ {
		got = append(got, r.NextDelay())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)
	assert.Equal(t, 6, r.Attempts())

	r.Succeeded()
	assert.Equal(t, 100*time.Millisecond, r.NextDelay())
}

func Test_Recovery_defaults(t *testing.T) {
	r := NewRecovery(0, 0)
	assert.Equal(t, DefaultReconnectInterval, r.NextDelay())
	for i := 0; i < 20; i++ {
		r.NextDelay()
	}
	assert.Equal(t, DefaultReconnectMaxInterval, r.NextDelay())
}

func Test_Recovery_classification(t *testing.T) {
	r := NewRecovery(0, 0)

	assert.False(t, r.OnFailure(errors.New("plain")))
	assert.False(t, r.ShouldReconnect())

	assert.True(t, r.OnFailure(errors.Wrap(ErrPingTimeout, "60s")))
	assert.True(t, r.ShouldReconnect())
	assert.True(t, errors.Is(r.Err(), ErrPingTimeout))

	assert.Equal(t, "ping_timeout", failureClass(ErrPingTimeout))
	assert.Equal(t, "other", failureClass(io.EOF))
	assert.False(t, Recoverable(io.EOF))
	assert.False(t, Recoverable(unix.ECONNRESET))
}

func Test_Recovery_shutdownStopsReconnect(t *testing.T) {
	r := NewRecovery(0, 0)
	r.OnFailure(ErrPingTimeout)
	r.Shutdown()
	assert.False(t, r.ShouldReconnect())
	assert.True(t, r.IsShutdown())
	assert.False(t, r.OnFailure(ErrPingTimeout))
}
