package transport

import (
	"io"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock 套接字暂时无法读写
var ErrWouldBlock = errors.New("operation would block")

// Socket 非阻塞字节流。
// Read 无数据时返回 (0, ErrWouldBlock)，对端关闭时返回 (0, io.EOF)；
// Write 可能只写入部分字节，剩余部分以 ErrWouldBlock 提示。
type Socket interface {
	Fd() int
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// connector 异步连接中的套接字
type connector interface {
	// FinishConnect 检查连接是否完成；done 为 false 表示仍在进行
	FinishConnect() (done bool, err error)
}

// Upgrader 加密升级：接管明文套接字并返回加密后的套接字，描述符可能改变
type Upgrader interface {
	Upgrade(sock Socket, opts EncryptionOptions) (Socket, error)
}

// rawSocket 基于系统调用的非阻塞 TCP 套接字
type rawSocket struct {
	fd         int
	connecting bool
	closed     atomic.Bool
}

func (s *rawSocket) Fd() int {
	return s.fd
}

func (s *rawSocket) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *rawSocket) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(s.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return written, ErrWouldBlock
		case err != nil:
			return written, err
		}
	}
	return written, nil
}

func (s *rawSocket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(s.fd)
}

func (s *rawSocket) FinishConnect() (bool, error) {
	if !s.connecting {
		return true, nil
	}
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, err
	}
	if soerr != 0 {
		return false, unix.Errno(soerr)
	}
	if _, err := unix.Getpeername(s.fd); err != nil {
		if err == unix.ENOTCONN {
			return false, nil
		}
		return false, err
	}
	s.connecting = false
	return true, nil
}

// sockaddr 解析 host:port；host 为空时返回通配地址
func sockaddr(host, port string) (unix.Sockaddr, int, error) {
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 0xFFFF {
		return nil, 0, errors.Errorf("invalid port %q", port)
	}
	if host == "" {
		return &unix.SockaddrInet4{Port: p}, unix.AF_INET, nil
	}
	addr, err := net.ResolveIPAddr("ip", host)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "resolve %s", host)
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: p}
		copy(sa.Addr[:], ip4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: p}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6, nil
}

type sockOpts struct {
	noDelay  bool
	sendBuf  int
	recvBuf  int
	reuse    bool
	localIf  string
	isListen bool
}

func newSocket(family int, o sockOpts) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	unix.CloseOnExec(fd)
	if err := configureSocket(fd, o); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func configureSocket(fd int, o sockOpts) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return errors.Wrap(err, "set nonblock")
	}
	if o.reuse {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return errors.Wrap(err, "SO_REUSEADDR")
		}
	}
	if o.noDelay && !o.isListen {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			return errors.Wrap(err, "TCP_NODELAY")
		}
	}
	if o.sendBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, o.sendBuf); err != nil {
			return errors.Wrap(err, "SO_SNDBUF")
		}
	}
	if o.recvBuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, o.recvBuf); err != nil {
			return errors.Wrap(err, "SO_RCVBUF")
		}
	}
	return nil
}

// dial 发起非阻塞连接，连接可能仍在进行中
func dial(host, port string, o sockOpts) (*rawSocket, error) {
	sa, family, err := sockaddr(host, port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocket(family, o)
	if err != nil {
		return nil, err
	}
	if o.localIf != "" {
		local, _, err := sockaddr(o.localIf, "0")
		if err == nil {
			err = unix.Bind(fd, local)
		}
		if err != nil {
			unix.Close(fd)
			return nil, errors.Wrapf(err, "bind interface %s", o.localIf)
		}
	}

	s := &rawSocket{fd: fd}
	for {
		err = unix.Connect(fd, sa)
		if err == unix.EINTR {
			continue
		}
		break
	}
	switch err {
	case nil:
	case unix.EINPROGRESS, unix.EALREADY:
		s.connecting = true
	default:
		unix.Close(fd)
		return nil, errors.Wrapf(err, "connect %s:%s", host, port)
	}
	return s, nil
}

// listen 创建非阻塞监听套接字
func listen(iface, port string, backlog int, o sockOpts) (*rawSocket, error) {
	sa, family, err := sockaddr(iface, port)
	if err != nil {
		return nil, err
	}
	o.reuse = true
	o.isListen = true
	fd, err := newSocket(family, o)
	if err != nil {
		return nil, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "bind %s:%s", iface, port)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "listen")
	}
	return &rawSocket{fd: fd}, nil
}

// accept 接受一个连接；没有待接受连接时返回 ErrWouldBlock
func accept(l *rawSocket, o sockOpts) (*rawSocket, string, error) {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		switch {
		case err == unix.EINTR || err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return nil, "", ErrWouldBlock
		case err != nil:
			return nil, "", errors.Wrap(err, "accept")
		}
		unix.CloseOnExec(nfd)
		if err := configureSocket(nfd, o); err != nil {
			unix.Close(nfd)
			return nil, "", err
		}
		return &rawSocket{fd: nfd}, sockaddrString(sa), nil
	}
}

// localPort 返回套接字绑定的本地端口
func localPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, errors.Wrap(err, "getsockname")
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	case *unix.SockaddrInet6:
		return a.Port, nil
	}
	return 0, errors.New("unsupported address family")
}

func getsockname(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	return sockaddrString(sa), nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return ""
}
