//go:build !linux

package reactor

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Poller 基于 poll(2) 的多路复用器，用于没有 epoll 的平台
type Poller struct {
	mu     sync.Mutex
	keys   map[int]*Key
	closed bool
}

// New 创建当前平台的多路复用器
func New() (Multiplexer, error) {
	return &Poller{keys: make(map[int]*Key)}, nil
}

// Register 注册或更新描述符
func (p *Poller) Register(fd int, interest Interest, attachment interface{}) (*Key, error) {
	if fd < 0 {
		return nil, ErrInvalidFd
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if k, ok := p.keys[fd]; ok {
		k.interest = interest
		k.attachment = attachment
		return k, nil
	}
	k := &Key{fd: fd, interest: interest, attachment: attachment, owner: p}
	p.keys[fd] = k
	return k, nil
}

// Wait 等待就绪事件
func (p *Poller) Wait(timeout time.Duration) ([]*Key, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	fds := make([]unix.PollFd, 0, len(p.keys))
	keys := make([]*Key, 0, len(p.keys))
	for fd, k := range p.keys {
		var ev int16
		if k.interest&InterestRead != 0 {
			ev |= unix.POLLIN
		}
		if k.interest&InterestWrite != 0 {
			ev |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: ev})
		keys = append(keys, k)
	}
	p.mu.Unlock()

	n, err := unix.Poll(fds, ms(timeout))
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errors.Wrap(err, "poll")
	}

	ready := make([]*Key, 0, n)
	for i, fd := range fds {
		if fd.Revents == 0 || !keys[i].Valid() {
			continue
		}
		k := keys[i]
		k.ready = 0
		if fd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			k.ready |= InterestRead
		}
		if fd.Revents&unix.POLLOUT != 0 {
			k.ready |= InterestWrite
		}
		ready = append(ready, k)
	}
	return ready, nil
}

// Cancel 注销 Key
func (p *Poller) Cancel(k *Key) error {
	if k == nil {
		return nil
	}
	if k.owner != p {
		return ErrForeignKey
	}
	if !k.cancelled.CompareAndSwap(false, true) {
		return nil
	}
	p.mu.Lock()
	if cur, ok := p.keys[k.fd]; ok && cur == k {
		delete(p.keys, k.fd)
	}
	p.mu.Unlock()
	return nil
}

// Len 返回已注册的描述符数量
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// Close 关闭多路复用器
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for fd, k := range p.keys {
		k.cancelled.Store(true)
		delete(p.keys, fd)
	}
	return nil
}
