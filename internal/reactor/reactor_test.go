package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func Test_Multiplexer_readReadiness(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Close()

	a, b := socketpair(t)
	key, err := m.Register(a, InterestRead, "channel-a")
	require.NoError(t, err)
	assert.Equal(t, a, key.Fd())
	assert.Equal(t, "channel-a", key.Attachment())

	ready, err := m.Wait(10 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	ready, err = m.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Same(t, key, ready[0])
	assert.True(t, ready[0].Readable())
	assert.False(t, ready[0].Writable())
}

func Test_Multiplexer_reRegisterUpdatesInterest(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Close()

	a, _ := socketpair(t)
	k1, err := m.Register(a, InterestRead, 1)
	require.NoError(t, err)
	k2, err := m.Register(a, InterestReadWrite, 2)
	require.NoError(t, err)
	assert.Same(t, k1, k2)
	assert.Equal(t, InterestReadWrite, k2.Interest())
	assert.Equal(t, 2, k2.Attachment())

	ready, err := m.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.True(t, ready[0].Writable())
}

func Test_Multiplexer_cancel(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Close()

	a, b := socketpair(t)
	key, err := m.Register(a, InterestRead, nil)
	require.NoError(t, err)
	require.NoError(t, key.Cancel())
	assert.False(t, key.Valid())
	assert.NoError(t, m.Cancel(key), "cancel is idempotent")

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)
	ready, err := m.Wait(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, ready)
}

func Test_Multiplexer_hangupIsReadable(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	defer m.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	key, err := m.Register(fds[0], InterestRead, nil)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[1]))

	ready, err := m.Wait(time.Second)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	assert.Same(t, key, ready[0])
	assert.True(t, key.Readable())
}

func Test_Multiplexer_closed(t *testing.T) {
	m, err := New()
	require.NoError(t, err)
	a, _ := socketpair(t)
	key, err := m.Register(a, InterestRead, nil)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.False(t, key.Valid())
	_, err = m.Register(a, InterestRead, nil)
	assert.Equal(t, ErrClosed, err)
	_, err = m.Wait(0)
	assert.Equal(t, ErrClosed, err)

	_, err = m.Register(-1, InterestRead, nil)
	assert.Equal(t, ErrInvalidFd, err)
}

func Test_Multiplexer_foreignKey(t *testing.T) {
	m1, err := New()
	require.NoError(t, err)
	defer m1.Close()
	m2, err := New()
	require.NoError(t, err)
	defer m2.Close()

	a, _ := socketpair(t)
	key, err := m1.Register(a, InterestRead, nil)
	require.NoError(t, err)
	assert.Equal(t, ErrForeignKey, m2.Cancel(key))
}
