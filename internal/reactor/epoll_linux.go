//go:build linux

package reactor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const maxEvents = 256

// Epoll 基于 epoll 的多路复用器（水平触发）
type Epoll struct {
	epfd   int
	mu     sync.Mutex
	keys   map[int]*Key
	events []unix.EpollEvent
	closed bool
}

// New 创建当前平台的多路复用器
func New() (Multiplexer, error) {
	return NewEpoll()
}

// NewEpoll 创建 epoll 多路复用器
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create1")
	}
	return &Epoll{
		epfd:   epfd,
		keys:   make(map[int]*Key),
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func epollEvents(interest Interest) uint32 {
	var ev uint32 = unix.EPOLLRDHUP
	if interest&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if interest&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Register 注册或更新描述符
func (e *Epoll) Register(fd int, interest Interest, attachment interface{}) (*Key, error) {
	if fd < 0 {
		return nil, ErrInvalidFd
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}

	ev := unix.EpollEvent{Events: epollEvents(interest), Fd: int32(fd)}
	if k, ok := e.keys[fd]; ok {
		err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		if err == nil {
			k.interest = interest
			k.attachment = attachment
			return k, nil
		}
		if err != unix.ENOENT {
			return nil, errors.Wrapf(err, "epoll_ctl mod fd %d", fd)
		}
		// 描述符关闭后被复用，旧 Key 作废
		k.cancelled.Store(true)
		delete(e.keys, fd)
	}

	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, errors.Wrapf(err, "epoll_ctl add fd %d", fd)
	}
	k := &Key{fd: fd, interest: interest, attachment: attachment, owner: e}
	e.keys[fd] = k
	return k, nil
}

// Wait 等待就绪事件；被信号中断时返回空结果
func (e *Epoll) Wait(timeout time.Duration) ([]*Key, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	events := e.events
	e.mu.Unlock()

	n, err := unix.EpollWait(e.epfd, events, ms(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "epoll_wait")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ready := make([]*Key, 0, n)
	for i := 0; i < n; i++ {
		k, ok := e.keys[int(events[i].Fd)]
		if !ok || !k.Valid() {
			continue
		}
		flags := events[i].Events
		k.ready = 0
		if flags&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			k.ready |= InterestRead
		}
		if flags&unix.EPOLLOUT != 0 || (flags&unix.EPOLLERR != 0 && k.interest&InterestWrite != 0) {
			k.ready |= InterestWrite
		}
		ready = append(ready, k)
	}
	return ready, nil
}

// Cancel 注销 Key；描述符已关闭时同样视为成功
func (e *Epoll) Cancel(k *Key) error {
	if k == nil {
		return nil
	}
	if k.owner != e {
		return ErrForeignKey
	}
	if !k.cancelled.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.keys[k.fd]; ok && cur == k {
		delete(e.keys, k.fd)
	}
	if e.closed {
		return nil
	}
	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, k.fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return errors.Wrapf(err, "epoll_ctl del fd %d", k.fd)
	}
	return nil
}

// Len 返回已注册的描述符数量
func (e *Epoll) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

// Close 关闭 epoll 描述符，所有 Key 失效
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for fd, k := range e.keys {
		k.cancelled.Store(true)
		delete(e.keys, fd)
	}
	return unix.Close(e.epfd)
}
