package transport

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/qiminjie89/ripc/internal/buffer"
	"github.com/qiminjie89/ripc/pkg/logger"
)

// Server 监听端，接受的连接以服务端角色完成握手
type Server struct {
	opts   BindOptions
	sock   *rawSocket
	pool   *buffer.Pool
	port   int
	log    *zap.Logger
	closed atomic.Bool
}

// Bind 创建非阻塞监听
func Bind(opts BindOptions, pool *buffer.Pool) (*Server, error) {
	opts.applyDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		pool = buffer.NewPool(0)
	}
	sock, err := listen(opts.Interface, opts.Port, opts.Backlog, sockOpts{
		sendBuf: opts.SysSendBufSize,
		recvBuf: opts.SysRecvBufSize,
	})
	if err != nil {
		return nil, networkError(err, "bind")
	}
	port, err := localPort(sock.fd)
	if err != nil {
		sock.Close()
		return nil, networkError(err, "bind")
	}
	s := &Server{
		opts: opts,
		sock: sock,
		pool: pool,
		port: port,
		log:  logger.Named("server", zap.Int("port", port)),
	}
	s.log.Info("listening",
		zap.String("interface", opts.Interface),
		zap.Int("max_fragment_size", opts.MaxFragmentSize),
		zap.Stringer("compression", opts.CompressionType),
	)
	return s, nil
}

// Fd 监听描述符
func (s *Server) Fd() int {
	return s.sock.fd
}

// Port 实际监听端口
func (s *Server) Port() int {
	return s.port
}

// Addr 监听地址
func (s *Server) Addr() string {
	host := s.opts.Interface
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(s.port))
}

// Pool 服务端通道共用的缓冲池
func (s *Server) Pool() *buffer.Pool {
	return s.pool
}

// Accept 接受一个连接，返回处于 INITIALIZING 的通道；没有待接受连接时返回 ErrWouldBlock
func (s *Server) Accept() (*Channel, error) {
	if s.closed.Load() {
		return nil, newError(Failure, KindClosed, nil, "accept: server closed")
	}
	sock, remote, err := accept(s.sock, sockOpts{
		noDelay: s.opts.TCPNoDelay,
		sendBuf: s.opts.SysSendBufSize,
		recvBuf: s.opts.SysRecvBufSize,
	})
	if err == ErrWouldBlock {
		return nil, ErrWouldBlock
	}
	if err != nil {
		return nil, networkError(err, "accept")
	}
	return s.adopt(sock, remote), nil
}

func (s *Server) adopt(sock Socket, remote string) *Channel {
	c := newChannel(roleServer, sock, s.pool, limits{
		guaranteedOutput: s.opts.GuaranteedOutputBuffers,
		maxOutput:        s.opts.MaxOutputBuffers,
		numInput:         s.opts.NumInputBuffers,
		highWaterMark:    s.opts.HighWaterMark,
		flushStrategy:    s.opts.FlushStrategy,
		initTimeout:      s.opts.InitTimeout,
		lockingReads:     s.opts.LockingReads,
	})
	c.bopts = &s.opts
	c.remote = remote
	c.init = initState{phase: phaseDetect, started: time.Now()}
	c.state.Store(int32(StateInitializing))
	c.log.Debug("accepted", zap.String("remote", remote), zap.Int("fd", sock.Fd()))
	return c
}

// Close 关闭监听，已接受的通道不受影响
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.log.Info("listener closed")
	return s.sock.Close()
}
