package buffer

import (
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/qiminjie89/ripc/pkg/metrics"
)

const (
	minClassShift = 6  // 64B
	maxClassShift = 17 // 128KB，更大的缓冲不回收
	numClasses    = maxClassShift - minClassShift + 1

	// DefaultMaxFree 每个大小档位保留的空闲缓冲上限
	DefaultMaxFree = 1024
)

// Stats 缓冲池统计
type Stats struct {
	Gets     int64
	Reuses   int64
	Allocs   int64
	Releases int64
	Free     int64
}

// Pool 按 2 的幂分档的缓冲池，可被多个通道并发使用
type Pool struct {
	mu      sync.Mutex
	free    [numClasses][]*Buffer
	maxFree int

	gets     atomic.Int64
	reuses   atomic.Int64
	allocs   atomic.Int64
	releases atomic.Int64
	nfree    atomic.Int64
}

// NewPool 创建缓冲池；maxFree <= 0 时使用默认上限
func NewPool(maxFree int) *Pool {
	if maxFree <= 0 {
		maxFree = DefaultMaxFree
	}
	return &Pool{maxFree: maxFree}
}

// classOf 返回 size 对应的档位，超过最大档位返回 -1
func classOf(size int) int {
	if size <= 1<<minClassShift {
		return 0
	}
	shift := bits.Len(uint(size - 1))
	if shift > maxClassShift {
		return -1
	}
	return shift - minClassShift
}

// Get 获取至少 size 字节的缓冲，优先复用已归还的缓冲
func (p *Pool) Get(size int) *Buffer {
	p.gets.Add(1)
	metrics.PoolGets.Inc()

	class := classOf(size)
	if class >= 0 {
		// 允许借用大一档的缓冲
		p.mu.Lock()
		for c := class; c < numClasses && c <= class+1; c++ {
			if n := len(p.free[c]); n > 0 {
				b := p.free[c][n-1]
				p.free[c][n-1] = nil
				p.free[c] = p.free[c][:n-1]
				p.mu.Unlock()

				p.nfree.Add(-1)
				p.reuses.Add(1)
				metrics.PoolReuses.Inc()
				metrics.PoolFree.Dec()
				b.reset()
				b.inUse.Store(true)
				return b
			}
		}
		p.mu.Unlock()
	}

	return p.alloc(size, class)
}

func (p *Pool) alloc(size, class int) *Buffer {
	p.allocs.Add(1)
	n := size
	if class >= 0 {
		n = 1 << (class + minClassShift)
	}
	b := &Buffer{raw: make([]byte, n), pool: p, class: class}
	b.reset()
	b.inUse.Store(true)
	return b
}

// Put 归还缓冲；重复归还返回 ErrDoubleRelease
func (p *Pool) Put(b *Buffer) error {
	if b.pool != p {
		return ErrDoubleRelease
	}
	if !b.inUse.CompareAndSwap(true, false) {
		return ErrDoubleRelease
	}
	p.releases.Add(1)
	if b.class < 0 {
		return nil
	}

	p.mu.Lock()
	if len(p.free[b.class]) >= p.maxFree {
		p.mu.Unlock()
		return nil
	}
	b.reset()
	p.free[b.class] = append(p.free[b.class], b)
	p.mu.Unlock()

	p.nfree.Add(1)
	metrics.PoolFree.Inc()
	return nil
}

// Reserve 预分配 count 个 size 字节的缓冲，用于稳态下限制分配
func (p *Pool) Reserve(count, size int) {
	class := classOf(size)
	if class < 0 || count <= 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	added := 0
	for i := 0; i < count && len(p.free[class]) < p.maxFree; i++ {
		b := &Buffer{raw: make([]byte, 1<<(class+minClassShift)), pool: p, class: class}
		b.reset()
		p.free[class] = append(p.free[class], b)
		added++
	}
	p.allocs.Add(int64(added))
	p.nfree.Add(int64(added))
	metrics.PoolFree.Add(float64(added))
}

// Stats 返回统计快照
func (p *Pool) Stats() Stats {
	return Stats{
		Gets:     p.gets.Load(),
		Reuses:   p.reuses.Load(),
		Allocs:   p.allocs.Load(),
		Releases: p.releases.Load(),
		Free:     p.nfree.Load(),
	}
}
