package session

import (
	"sync/atomic"
	"time"
)

// Keepalive 心跳跟踪。时钟以纳秒原子存储，事件循环之外的读取方（统计、健康检查）可以无锁访问。
type Keepalive struct {
	timeout  atomic.Int64
	lastRecv atomic.Int64
	lastSent atomic.Int64
}

// NewKeepalive 创建心跳跟踪器，Reset 之前不会要求发送心跳
func NewKeepalive() *Keepalive {
	return &Keepalive{}
}

// Reset 以协商后的超时重新开始计时
func (k *Keepalive) Reset(timeout time.Duration, now time.Time) {
	k.timeout.Store(int64(timeout))
	k.lastRecv.Store(now.UnixNano())
	k.lastSent.Store(now.UnixNano())
}

// Received 记录一次成功读取（消息、心跳或仅有原始字节）
func (k *Keepalive) Received(now time.Time) {
	k.lastRecv.Store(now.UnixNano())
}

// Sent 记录一次成功写出
func (k *Keepalive) Sent(now time.Time) {
	k.lastSent.Store(now.UnixNano())
}

// Timeout 当前超时
func (k *Keepalive) Timeout() time.Duration {
	return time.Duration(k.timeout.Load())
}

// NeedPing 距上次发送超过半个超时
func (k *Keepalive) NeedPing(now time.Time) bool {
	t := k.timeout.Load()
	if t <= 0 {
		return false
	}
	return now.UnixNano()-k.lastSent.Load() >= t/2
}

// Expired 整个超时周期内没有收到任何数据
func (k *Keepalive) Expired(now time.Time) bool {
	t := k.timeout.Load()
	if t <= 0 {
		return false
	}
	return now.UnixNano()-k.lastRecv.Load() > t
}

// LastReceived 上次收到数据的时间
func (k *Keepalive) LastReceived() time.Time {
	return time.Unix(0, k.lastRecv.Load())
}
