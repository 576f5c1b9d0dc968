package session

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/qiminjie89/ripc/internal/reactor"
	"github.com/qiminjie89/ripc/internal/transport"
	"github.com/qiminjie89/ripc/pkg/config"
)

type recorder struct {
	active   int
	msgs     [][]byte
	closed   int
	lastErr  error
	onActive func(*Session)
}

func (r *recorder) OnActive(s *Session) {
	r.active++
	if r.onActive != nil {
		r.onActive(s)
	}
}

func (r *recorder) OnMessage(_ *Session, msg []byte) {
	r.msgs = append(r.msgs, append([]byte(nil), msg...))
}

func (r *recorder) OnClosed(_ *Session, err error) {
	r.closed++
	r.lastErr = err
}

// harness 在同一个多路复用器上驱动一个 consumer 会话和监听端接受的 provider 会话
type harness struct {
	t        *testing.T
	mux      reactor.Multiplexer
	srv      *transport.Server
	consumer *Session
	provider *Session
	crec     *recorder
	prec     *recorder
	provCfg  config.SessionConfig
}

func newHarness(t *testing.T, bind transport.BindOptions, consumerCfg, providerCfg config.SessionConfig) *harness {
	t.Helper()
	mux, err := reactor.New()
	require.NoError(t, err)
	t.Cleanup(func() { mux.Close() })

	bind.Interface, bind.Port = "127.0.0.1", "0"
	srv, err := transport.Bind(bind, nil)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	_, err = mux.Register(srv.Fd(), reactor.InterestRead, srv)
	require.NoError(t, err)

	h := &harness{t: t, mux: mux, srv: srv, crec: &recorder{}, prec: &recorder{}, provCfg: providerCfg}
	h.consumer, err = New(Config{
		Options: transport.ConnectOptions{Host: "127.0.0.1", Port: strconv.Itoa(srv.Port()), TCPNoDelay: true},
		Session: consumerCfg,
		Mux:     mux,
		Handler: h.crec,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		h.consumer.Close()
		if h.provider != nil {
			h.provider.Close()
		}
	})
	return h
}

func (h *harness) poll() {
	keys, err := h.mux.Wait(5 * time.Millisecond)
	require.NoError(h.t, err)
	for _, k := range keys {
		switch a := k.Attachment().(type) {
		case *transport.Server:
			ch, err := a.Accept()
			if err == transport.ErrWouldBlock {
				continue
			}
			require.NoError(h.t, err)
			h.provider, err = Adopt(ch, Config{Session: h.provCfg, Mux: h.mux, Handler: h.prec})
			require.NoError(h.t, err)
		case *Session:
			a.HandleEvent(k)
		}
	}
	now := time.Now()
	h.consumer.Tick(now)
	if h.provider != nil {
		h.provider.Tick(now)
	}
}

func (h *harness) until(cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatal("condition not reached")
		}
		h.poll()
	}
}

func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.consumer.Connect())
	h.until(func() bool {
		return h.consumer.Active() && h.provider != nil && h.provider.Active()
	})
}

func Test_Session_exchange(t *testing.T) {
	h := newHarness(t, transport.BindOptions{}, config.SessionConfig{}, config.SessionConfig{})
	h.connect()
	assert.Equal(t, 1, h.crec.active)
	assert.Equal(t, 1, h.prec.active)
	assert.True(t, h.consumer.Stats().Connected)

	require.NoError(t, h.consumer.Send([]byte("hello"), transport.PriorityHigh))
	require.NoError(t, h.provider.Send([]byte("world"), transport.PriorityMedium))
	h.until(func() bool { return len(h.prec.msgs) == 1 && len(h.crec.msgs) == 1 })
	assert.Equal(t, []byte("hello"), h.prec.msgs[0])
	assert.Equal(t, []byte("world"), h.crec.msgs[0])
	assert.Equal(t, uint64(1), h.consumer.Stats().Sent)
	assert.Equal(t, uint64(1), h.provider.Stats().Received)
	assert.Equal(t, RoleProvider, h.provider.Role())
}

func Test_Session_sendValidation(t *testing.T) {
	h := newHarness(t, transport.BindOptions{}, config.SessionConfig{}, config.SessionConfig{})
	assert.Equal(t, ErrNotActive, h.consumer.Send([]byte("x"), transport.PriorityHigh))

	h.connect()
	assert.Equal(t, ErrEmptyMessage, h.consumer.Send(nil, transport.PriorityHigh))
}

func Test_Session_packing(t *testing.T) {
	h := newHarness(t, transport.BindOptions{},
		config.SessionConfig{PackingEnabled: true, PackingBufferSize: 256},
		config.SessionConfig{})
	h.connect()

	for _, m := range []string{"one", "two", "three"} {
		require.NoError(t, h.consumer.Send([]byte(m), transport.PriorityMedium))
	}
	assert.Equal(t, uint64(0), h.consumer.Stats().Sent)
	require.NoError(t, h.consumer.FlushPacked())
	assert.Equal(t, uint64(1), h.consumer.Stats().Sent)

	h.until(func() bool { return len(h.prec.msgs) == 3 })
	assert.Equal(t, [][]byte{[]byte("one"), []byte("two"), []byte("three")}, h.prec.msgs)
}

func Test_Session_packingFlushedOnTick(t *testing.T) {
	h := newHarness(t, transport.BindOptions{},
		config.SessionConfig{PackingEnabled: true},
		config.SessionConfig{})
	h.connect()

	require.NoError(t, h.consumer.Send([]byte("tick"), transport.PriorityLow))
	h.until(func() bool { return len(h.prec.msgs) == 1 })
	assert.Equal(t, []byte("tick"), h.prec.msgs[0])
}

func Test_Session_packingLargerThanFragmentIsFatal(t *testing.T) {
	h := newHarness(t, transport.BindOptions{MaxFragmentSize: 512},
		config.SessionConfig{PackingEnabled: true, PackingBufferSize: 1024},
		config.SessionConfig{})
	require.NoError(t, h.consumer.Connect())
	h.until(func() bool { return h.crec.closed == 1 })

	assert.True(t, errors.Is(h.crec.lastErr, ErrPackingSize))
	assert.Equal(t, 0, h.crec.active)
	assert.False(t, h.consumer.Recovery().ShouldReconnect())
	assert.True(t, h.consumer.Closed())
}

func Test_Session_largeMessage(t *testing.T) {
	h := newHarness(t, transport.BindOptions{MaxFragmentSize: 256}, config.SessionConfig{}, config.SessionConfig{})
	h.consumer.opts.GuaranteedOutputBuffers = 2
	h.connect()

	msg := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	require.NoError(t, h.consumer.Send(msg, transport.PriorityHigh))
	h.until(func() bool { return len(h.prec.msgs) == 1 })
	assert.Equal(t, msg, h.prec.msgs[0])
	assert.Zero(t, h.consumer.Channel().Info().OutputBuffersUsed)
}

func Test_Session_resumeWriteFailureIsLogged(t *testing.T) {
	h := newHarness(t, transport.BindOptions{}, config.SessionConfig{}, config.SessionConfig{})
	h.connect()

	core, logs := observer.New(zapcore.WarnLevel)
	h.consumer.log = zap.New(core)

	// 不属于本通道的缓冲：续写失败但通道保持可用
	foreign, _, err := h.provider.Channel().GetBuffer(8, false)
	require.NoError(t, err)
	h.consumer.pending = foreign
	h.consumer.flush()

	assert.Nil(t, h.consumer.pending)
	assert.True(t, h.consumer.Active())
	assert.Equal(t, 1, logs.FilterMessage("resume write failed").Len())
	assert.Zero(t, h.crec.closed)
	require.NoError(t, h.provider.Channel().ReleaseBuffer(foreign))
}

func Test_Session_pingTimeoutIsRecoverable(t *testing.T) {
	h := newHarness(t, transport.BindOptions{}, config.SessionConfig{}, config.SessionConfig{})
	h.connect()

	timeout := h.consumer.Keepalive().Timeout()
	require.Positive(t, timeout)
	h.consumer.Tick(time.Now().Add(timeout + time.Second))

	assert.Equal(t, 1, h.crec.closed)
	assert.True(t, errors.Is(h.crec.lastErr, ErrPingTimeout))
	assert.True(t, h.consumer.Recovery().ShouldReconnect())
	assert.Equal(t, transport.StateClosed, h.consumer.Channel().State())
}

func Test_Session_tickSendsPing(t *testing.T) {
	h := newHarness(t, transport.BindOptions{}, config.SessionConfig{}, config.SessionConfig{})
	h.connect()

	before := h.provider.Keepalive().LastReceived()
	time.Sleep(2 * time.Millisecond)
	h.consumer.Tick(time.Now().Add(h.consumer.Keepalive().Timeout()/2 + time.Second))
	h.until(func() bool { return h.provider.Keepalive().LastReceived().After(before) })
	assert.Empty(t, h.prec.msgs)
	assert.Equal(t, 1, h.crec.active)
}

func Test_Session_closeIsIdempotent(t *testing.T) {
	h := newHarness(t, transport.BindOptions{}, config.SessionConfig{}, config.SessionConfig{})
	h.connect()

	require.NoError(t, h.consumer.Close())
	require.NoError(t, h.consumer.Close())
	assert.Equal(t, 1, h.crec.closed)
	assert.NoError(t, h.crec.lastErr)
	assert.False(t, h.consumer.Recovery().ShouldReconnect())
	assert.Error(t, h.consumer.Connect())

	h.until(func() bool { return h.prec.closed == 1 })
	assert.Equal(t, transport.KindClosed, transport.KindOf(h.prec.lastErr))
	assert.False(t, h.consumer.Stats().Connected)
}

func Test_Session_readTimeout(t *testing.T) {
	h := newHarness(t, transport.BindOptions{PingTimeout: 30 * time.Second}, config.SessionConfig{}, config.SessionConfig{})
	assert.Equal(t, initPollInterval, h.consumer.ReadTimeout())
	h.connect()
	assert.Equal(t, 10*time.Second, h.consumer.ReadTimeout())

	s, err := New(Config{Session: config.SessionConfig{ReadTimeout: time.Second}, Mux: h.mux, Handler: &recorder{}})
	require.NoError(t, err)
	assert.Equal(t, time.Second, s.ReadTimeout())
}

func Test_New_validation(t *testing.T) {
	_, err := New(Config{Handler: &recorder{}})
	assert.Error(t, err)

	mux, err := reactor.New()
	require.NoError(t, err)
	defer mux.Close()
	_, err = New(Config{Mux: mux})
	assert.Error(t, err)
	_, err = New(Config{Mux: mux, Handler: &recorder{}, Session: config.SessionConfig{PackingBufferSize: -1}})
	assert.Error(t, err)
}

func Test_New_reservesConsumerPool(t *testing.T) {
	mux, err := reactor.New()
	require.NoError(t, err)
	defer mux.Close()

	s, err := New(Config{
		Options: transport.ConnectOptions{GuaranteedOutputBuffers: 4, NumInputBuffers: 2},
		Mux:     mux,
		Handler: &recorder{},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6), s.pool.Stats().Free)
}

// endpointList 依次轮询、跳过不健康地址
type endpointList struct {
	mu        sync.Mutex
	addrs     []string
	next      int
	unhealthy map[string]bool
	healthy   []string
}

func (e *endpointList) Next() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < len(e.addrs); i++ {
		a := e.addrs[e.next%len(e.addrs)]
		e.next++
		if !e.unhealthy[a] {
			return a, nil
		}
	}
	return "", errors.New("no healthy endpoint")
}

func (e *endpointList) MarkUnhealthy(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.unhealthy[addr] = true
}

func (e *endpointList) MarkHealthy(addr string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.unhealthy, addr)
	e.healthy = append(e.healthy, addr)
}

// serve 在独立 goroutine 中接受连接并驱动 provider 会话
func serve(t *testing.T, bind transport.BindOptions) (string, func()) {
	t.Helper()
	mux, err := reactor.New()
	require.NoError(t, err)
	bind.Interface, bind.Port = "127.0.0.1", "0"
	srv, err := transport.Bind(bind, nil)
	require.NoError(t, err)
	_, err = mux.Register(srv.Fd(), reactor.InterestRead, srv)
	require.NoError(t, err)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var sessions []*Session
		for {
			select {
			case <-stop:
				for _, s := range sessions {
					s.Close()
				}
				return
			default:
			}
			keys, err := mux.Wait(5 * time.Millisecond)
			if err != nil {
				return
			}
			for _, k := range keys {
				switch a := k.Attachment().(type) {
				case *transport.Server:
					if ch, err := a.Accept(); err == nil {
						if s, err := Adopt(ch, Config{Mux: mux, Handler: &recorder{}}); err == nil {
							sessions = append(sessions, s)
						}
					}
				case *Session:
					a.HandleEvent(k)
				}
			}
			for _, s := range sessions {
				s.Tick(time.Now())
			}
		}
	}()
	return srv.Addr(), func() {
		close(stop)
		<-done
		srv.Close()
		mux.Close()
	}
}

func closedAddr(t *testing.T) string {
	t.Helper()
	srv, err := transport.Bind(transport.BindOptions{Interface: "127.0.0.1", Port: "0"}, nil)
	require.NoError(t, err)
	addr := srv.Addr()
	srv.Close()
	return addr
}

func Test_Session_runFailsOverToHealthyEndpoint(t *testing.T) {
	defer leaktest.Check(t)()

	live, stop := serve(t, transport.BindOptions{})
	defer stop()
	dead := closedAddr(t)
	eps := &endpointList{addrs: []string{dead, live}, unhealthy: map[string]bool{}}

	mux, err := reactor.New()
	require.NoError(t, err)
	defer mux.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{onActive: func(*Session) { cancel() }}
	s, err := New(Config{
		Session:   config.SessionConfig{ReconnectInterval: 5 * time.Millisecond, ReconnectMaxInterval: 20 * time.Millisecond},
		Mux:       mux,
		Handler:   rec,
		Endpoints: eps,
	})
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	assert.Equal(t, 1, rec.active)
	assert.Equal(t, live, s.Addr())
	assert.True(t, eps.unhealthy[dead])
	assert.Equal(t, []string{live}, eps.healthy)
	assert.GreaterOrEqual(t, s.Stats().Reconnects, uint64(1))
	assert.Zero(t, s.Recovery().Attempts())
}

func Test_Session_runReturnsFatalError(t *testing.T) {
	defer leaktest.Check(t)()

	addr, stop := serve(t, transport.BindOptions{MajorVersion: 14, MinorVersion: 1})
	defer stop()

	mux, err := reactor.New()
	require.NoError(t, err)
	defer mux.Close()

	host, port := splitAddr(t, addr)
	rec := &recorder{}
	s, err := New(Config{
		Options: transport.ConnectOptions{Host: host, Port: port, MajorVersion: 13, MinorVersion: 0},
		Mux:     mux,
		Handler: rec,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = s.Run(ctx)
	require.Error(t, err)
	assert.Equal(t, transport.KindRejected, transport.KindOf(err))
	assert.False(t, Recoverable(err))
	assert.Equal(t, 1, rec.closed)
}

func splitAddr(t *testing.T, addr string) (string, string) {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return host, port
}
