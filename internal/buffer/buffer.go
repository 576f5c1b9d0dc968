// Package buffer 提供通道共享的缓冲池
package buffer

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	ErrBufferFull    = errors.New("buffer capacity exceeded")
	ErrDoubleRelease = errors.New("buffer already released")
)

// Buffer 一条消息的字节存储。
// raw[start:end] 为已写入数据，raw[end:limit] 为剩余可写空间，
// start 之前的空间留给传输层写帧头。
type Buffer struct {
	raw   []byte
	start int
	end   int
	limit int

	pool  *Pool
	class int
	inUse atomic.Bool
}

// NewView 创建不属于任何池的只读视图
func NewView(p []byte) *Buffer {
	return &Buffer{raw: p, end: len(p), limit: len(p)}
}

// Bytes 返回已写入的数据
func (b *Buffer) Bytes() []byte {
	return b.raw[b.start:b.end]
}

// Len 返回已写入的字节数
func (b *Buffer) Len() int {
	return b.end - b.start
}

// Capacity 返回用户可用的总容量
func (b *Buffer) Capacity() int {
	return b.limit - b.start
}

// Available 返回剩余可写字节数
func (b *Buffer) Available() int {
	return b.limit - b.end
}

// Write 实现 io.Writer，超出容量时不写入任何字节
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.Available() {
		return 0, errors.Wrapf(ErrBufferFull, "write %d bytes, %d available", len(p), b.Available())
	}
	n := copy(b.raw[b.end:], p)
	b.end += n
	return n, nil
}

// WriteString 写入字符串
func (b *Buffer) WriteString(s string) (int, error) {
	return b.Write([]byte(s))
}

// Raw 返回完整底层存储，仅供传输层写帧头帧尾
func (b *Buffer) Raw() []byte {
	return b.raw
}

// Bounds 返回 start/end/limit 偏移
func (b *Buffer) Bounds() (start, end, limit int) {
	return b.start, b.end, b.limit
}

// SetBounds 设置 start/end/limit 偏移
func (b *Buffer) SetBounds(start, end, limit int) {
	if start < 0 || start > end || end > limit || limit > len(b.raw) {
		panic("buffer: invalid bounds")
	}
	b.start, b.end, b.limit = start, end, limit
}

// Truncate 将已写入数据截断为 n 字节
func (b *Buffer) Truncate(n int) {
	if n < 0 || n > b.Len() {
		panic("buffer: truncate out of range")
	}
	b.end = b.start + n
}

// Pooled 是否由缓冲池分配
func (b *Buffer) Pooled() bool {
	return b.pool != nil
}

// Released 是否已归还
func (b *Buffer) Released() bool {
	return b.pool != nil && !b.inUse.Load()
}

// Release 归还到所属缓冲池；视图缓冲直接返回
func (b *Buffer) Release() error {
	if b.pool == nil {
		return nil
	}
	return b.pool.Put(b)
}

func (b *Buffer) reset() {
	b.start, b.end, b.limit = 0, 0, len(b.raw)
}
