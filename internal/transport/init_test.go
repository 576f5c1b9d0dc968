package transport

import (
	"strconv"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/qiminjie89/ripc/internal/protocol"
)

func bindLoopback(t *testing.T, opts BindOptions) *Server {
	t.Helper()
	opts.Interface = "127.0.0.1"
	opts.Port = "0"
	srv, err := Bind(opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func clientOptions(srv *Server) ConnectOptions {
	return ConnectOptions{
		Host:             "127.0.0.1",
		Port:             strconv.Itoa(srv.Port()),
		TCPNoDelay:       true,
		ComponentVersion: "test-client",
	}
}

// handshake 交替推进两端直到都进入 ACTIVE，或一端失败
func handshake(t *testing.T, client *Channel, srv *Server) (*Channel, error, error) {
	t.Helper()
	var server *Channel
	var cerr, serr error
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if server == nil {
			ch, err := srv.Accept()
			if err != nil && err != ErrWouldBlock {
				return nil, nil, err
			}
			if ch != nil {
				server = ch
				t.Cleanup(func() { ch.Close() })
			}
		}
		if client.State() == StateInitializing {
			_, cerr = client.Init(nil)
		}
		if server != nil && server.State() == StateInitializing {
			_, serr = server.Init(nil)
		}
		cdone := client.State() != StateInitializing
		sdone := server != nil && server.State() != StateInitializing
		if cdone && sdone {
			return server, cerr, serr
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("handshake did not complete")
	return nil, nil, nil
}

// exchange 写一条消息并在对端读出
func exchange(t *testing.T, from, to *Channel, msg []byte) []byte {
	t.Helper()
	require.Equal(t, Success, writeMessage(t, from, msg, &WriteArgs{Flags: WriteDirectSocket}))
	var out []byte
	deadline := time.Now().Add(5 * time.Second)
	for out == nil && time.Now().Before(deadline) {
		b, code, err := to.Read(nil)
		require.NoError(t, err)
		if b != nil {
			out = append(out, b.Bytes()...)
			require.NoError(t, to.ReleaseBuffer(b))
			break
		}
		if code == ReadWouldBlock {
			time.Sleep(time.Millisecond)
		}
	}
	require.NotNil(t, out, "message not received")
	return out
}

func Test_Init_socket(t *testing.T) {
	defer leaktest.Check(t)()

	srv := bindLoopback(t, BindOptions{ComponentVersion: "test-server", PingTimeout: 30 * time.Second})
	opts := clientOptions(srv)
	opts.PingTimeout = 40 * time.Second
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()

	server, cerr, serr := handshake(t, client, srv)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	require.Equal(t, StateActive, client.State())
	require.Equal(t, StateActive, server.State())

	ci, si := client.Info(), server.Info()
	assert.Equal(t, uint32(protocol.ConnVersion14), ci.Version)
	assert.Equal(t, DefaultMaxFragmentSize, ci.MaxFragmentSize)
	assert.Equal(t, 30*time.Second, ci.PingTimeout)
	assert.Equal(t, ci.PingTimeout, si.PingTimeout)
	assert.Equal(t, "test-server", ci.PeerComponentVersion)
	assert.Equal(t, "test-client", si.PeerComponentVersion)
	assert.Equal(t, protocol.CompressionNone, ci.CompressionType)
	assert.Equal(t, ConnTypeSocket, si.ConnectionType)

	assert.Equal(t, []byte("hello"), exchange(t, client, server, []byte("hello")))
	assert.Equal(t, []byte("world"), exchange(t, server, client, []byte("world")))
}

func Test_Init_minPingTimeoutFloor(t *testing.T) {
	srv := bindLoopback(t, BindOptions{PingTimeout: 60 * time.Second, MinPingTimeout: 20 * time.Second})
	opts := clientOptions(srv)
	opts.PingTimeout = 5 * time.Second
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()

	_, cerr, serr := handshake(t, client, srv)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	assert.Equal(t, 20*time.Second, client.PingTimeout())
}

func Test_Init_httpTunnelWithCompression(t *testing.T) {
	var seen string
	srv := bindLoopback(t, BindOptions{
		CompressionType: protocol.CompressionZlib,
		Authenticator: func(token string) error {
			seen = token
			return nil
		},
	})
	opts := clientOptions(srv)
	opts.ConnectionType = ConnTypeHTTP
	opts.CompressionType = protocol.CompressionZlib
	opts.Tunnel.AuthToken = "secret"
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()

	server, cerr, serr := handshake(t, client, srv)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	assert.Equal(t, "secret", seen)
	assert.Equal(t, ConnTypeHTTP, server.Info().ConnectionType)
	assert.Equal(t, protocol.CompressionZlib, client.Info().CompressionType)
	assert.Equal(t, protocol.CompressionZlib, server.Info().CompressionType)

	msg := make([]byte, 3000)
	for i := range msg {
		msg[i] = byte(i % 13)
	}
	assert.Equal(t, msg, exchange(t, client, server, msg))
	assert.Equal(t, msg, exchange(t, server, client, msg))
}

func Test_Init_compressionNotOffered(t *testing.T) {
	srv := bindLoopback(t, BindOptions{CompressionType: protocol.CompressionLZ4})
	opts := clientOptions(srv)
	opts.CompressionType = protocol.CompressionZlib
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()

	_, cerr, serr := handshake(t, client, srv)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	assert.Equal(t, protocol.CompressionNone, client.Info().CompressionType)
}

func Test_Init_fragmentationOverSocket(t *testing.T) {
	srv := bindLoopback(t, BindOptions{MaxFragmentSize: 512})
	client, err := Connect(clientOptions(srv), nil)
	require.NoError(t, err)
	defer client.Close()

	server, cerr, serr := handshake(t, client, srv)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	require.Equal(t, 512, client.MaxFragmentSize())

	msg := make([]byte, 4000)
	for i := range msg {
		msg[i] = byte(i)
	}
	assert.Equal(t, msg, exchange(t, client, server, msg))
}

func Test_Init_majorVersionMismatch(t *testing.T) {
	srv := bindLoopback(t, BindOptions{MajorVersion: 14, MinorVersion: 1})
	opts := clientOptions(srv)
	opts.MajorVersion, opts.MinorVersion = 13, 0
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()

	_, cerr, serr := handshake(t, client, srv)
	require.Error(t, cerr)
	require.Error(t, serr)
	assert.Equal(t, KindRejected, KindOf(cerr))
	assert.False(t, IsRecoverable(cerr))
	assert.Contains(t, cerr.Error(), "unsupported major version")
	assert.Equal(t, StateClosed, client.State())
}

func Test_Init_minorVersionNegotiated(t *testing.T) {
	srv := bindLoopback(t, BindOptions{MajorVersion: 14, MinorVersion: 1})
	opts := clientOptions(srv)
	opts.MajorVersion, opts.MinorVersion = 14, 5
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()

	server, cerr, serr := handshake(t, client, srv)
	require.NoError(t, cerr)
	require.NoError(t, serr)
	assert.Equal(t, 1, client.Info().MinorVersion)
	assert.Equal(t, 1, server.Info().MinorVersion)
}

func Test_Init_tunnelAuthRejected(t *testing.T) {
	srv := bindLoopback(t, BindOptions{
		Authenticator: func(token string) error {
			return errors.New("bad token")
		},
	})
	opts := clientOptions(srv)
	opts.ConnectionType = ConnTypeHTTP
	opts.Tunnel.AuthToken = "wrong"
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()

	_, cerr, serr := handshake(t, client, srv)
	require.Error(t, serr)
	assert.Equal(t, KindRejected, KindOf(serr))
	require.Error(t, cerr)
	assert.Equal(t, KindRejected, KindOf(cerr))
	assert.Contains(t, cerr.Error(), "401")
}

func Test_Init_timeout(t *testing.T) {
	srv := bindLoopback(t, BindOptions{})
	opts := clientOptions(srv)
	opts.InitTimeout = 10 * time.Millisecond
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()

	time.Sleep(30 * time.Millisecond)
	code, err := client.Init(nil)
	require.Error(t, err)
	assert.Equal(t, Failure, code)
	assert.True(t, IsRecoverable(err))
	assert.Equal(t, StateClosed, client.State())
}

func Test_Init_connectRefused(t *testing.T) {
	srv := bindLoopback(t, BindOptions{})
	opts := clientOptions(srv)
	srv.Close()

	client, err := Connect(opts, nil)
	if err != nil {
		assert.True(t, IsRecoverable(err))
		return
	}
	defer client.Close()
	deadline := time.Now().Add(5 * time.Second)
	for client.State() == StateInitializing && time.Now().Before(deadline) {
		_, err = client.Init(nil)
		time.Sleep(time.Millisecond)
	}
	require.Error(t, err)
	assert.True(t, IsRecoverable(err))
}

// dupUpgrader 以新描述符替换原套接字，模拟加密层接管连接
type dupUpgrader struct{}

func (dupUpgrader) Upgrade(sock Socket, _ EncryptionOptions) (Socket, error) {
	nfd, err := unix.Dup(sock.Fd())
	if err != nil {
		return nil, err
	}
	sock.Close()
	return &rawSocket{fd: nfd}, nil
}

func Test_Init_fdChange(t *testing.T) {
	srv := bindLoopback(t, BindOptions{})
	opts := clientOptions(srv)
	opts.ConnectionType = ConnTypeEncrypted
	opts.Encryption.Upgrader = dupUpgrader{}
	client, err := Connect(opts, nil)
	require.NoError(t, err)
	defer client.Close()
	oldFd := client.Fd()

	var info InProgInfo
	var changed bool
	var server *Channel
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (client.State() != StateActive || server == nil || server.State() != StateActive) {
		if server == nil {
			if ch, aerr := srv.Accept(); aerr == nil {
				server = ch
				defer ch.Close()
			}
		}
		if client.State() == StateInitializing {
			code, ierr := client.Init(&info)
			require.NoError(t, ierr)
			if code == FDChange {
				changed = true
				assert.True(t, info.FDChanged)
				assert.Equal(t, oldFd, info.OldFd)
				assert.Equal(t, client.Fd(), info.NewFd)
				assert.NotEqual(t, oldFd, info.NewFd)
			}
		}
		if server != nil && server.State() == StateInitializing {
			_, serr := server.Init(nil)
			require.NoError(t, serr)
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, changed)
	require.Equal(t, StateActive, client.State())
	assert.Equal(t, []byte("over new fd"), exchange(t, client, server, []byte("over new fd")))
}

func Test_Init_encryptedRequiresUpgrader(t *testing.T) {
	_, err := Connect(ConnectOptions{Host: "127.0.0.1", Port: "1", ConnectionType: ConnTypeEncrypted}, nil)
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
}

func Test_Init_activeIsSuccess(t *testing.T) {
	c := newActiveChannel(t, newFakeSocket())
	code, err := c.Init(nil)
	require.NoError(t, err)
	assert.Equal(t, Success, code)
}

func Test_Init_closedFails(t *testing.T) {
	c := newActiveChannel(t, newFakeSocket())
	c.Close()
	code, err := c.Init(nil)
	assert.Equal(t, Failure, code)
	assert.Equal(t, KindClosed, KindOf(err))
}

func Test_Server_acceptWouldBlock(t *testing.T) {
	srv := bindLoopback(t, BindOptions{})
	_, err := srv.Accept()
	assert.Equal(t, ErrWouldBlock, err)
	assert.NotZero(t, srv.Port())

	srv.Close()
	_, err = srv.Accept()
	assert.Equal(t, KindClosed, KindOf(err))
}
