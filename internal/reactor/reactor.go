// Package reactor 提供就绪通知多路复用器，供单线程事件循环驱动多个通道
package reactor

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Interest 关注的就绪事件
type Interest uint32

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// InterestReadWrite 同时关注读写
const InterestReadWrite = InterestRead | InterestWrite

var (
	ErrClosed       = errors.New("multiplexer closed")
	ErrKeyCancelled = errors.New("key cancelled")
	ErrInvalidFd    = errors.New("invalid descriptor")
	ErrForeignKey   = errors.New("key belongs to another multiplexer")
)

// Multiplexer 就绪多路复用器
type Multiplexer interface {
	// Register 注册描述符；同一描述符重复注册时更新关注事件与附件并返回同一个 Key
	Register(fd int, interest Interest, attachment interface{}) (*Key, error)
	// Wait 等待就绪事件，timeout < 0 表示无限等待
	Wait(timeout time.Duration) ([]*Key, error)
	// Cancel 注销 Key，重复注销无副作用
	Cancel(key *Key) error
	// Close 关闭多路复用器
	Close() error
}

// Key 描述符的注册凭证
type Key struct {
	fd         int
	interest   Interest
	ready      Interest
	attachment interface{}
	owner      Multiplexer
	cancelled  atomic.Bool
}

// Fd 返回描述符
func (k *Key) Fd() int { return k.fd }

// Interest 返回当前关注的事件
func (k *Key) Interest() Interest { return k.interest }

// Attachment 返回注册时附带的对象
func (k *Key) Attachment() interface{} { return k.attachment }

// Readable 最近一次 Wait 是否报告可读（含挂断与错误）
func (k *Key) Readable() bool { return k.ready&InterestRead != 0 }

// Writable 最近一次 Wait 是否报告可写
func (k *Key) Writable() bool { return k.ready&InterestWrite != 0 }

// Valid 是否仍处于注册状态
func (k *Key) Valid() bool { return !k.cancelled.Load() }

// Cancel 注销自身
func (k *Key) Cancel() error {
	if k.owner == nil {
		return nil
	}
	return k.owner.Cancel(k)
}

// ms 将超时转换为毫秒，向上取整以免忙等
func ms(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
