package provider

import (
	"math/rand"
	"time"

	"github.com/qiminjie89/ripc/internal/protocol"
)

// DefaultPublishInterval 合成行情的默认发布间隔
const DefaultPublishInterval = time.Second

// Publisher 合成行情源：每个 item 维护序号与随机游走的价格
type Publisher struct {
	interval time.Duration
	items    []string
	state    map[string]*itemState
	rnd      *rand.Rand
	next     time.Time
}

type itemState struct {
	seq   uint64
	bid   float64
	ask   float64
	trade float64
}

// NewPublisher 创建合成行情源
func NewPublisher(items []string, interval time.Duration, seed int64) *Publisher {
	if interval <= 0 {
		interval = DefaultPublishInterval
	}
	p := &Publisher{
		interval: interval,
		items:    items,
		state:    make(map[string]*itemState, len(items)),
		rnd:      rand.New(rand.NewSource(seed)),
	}
	for i, item := range items {
		mid := 100 + float64(i)*10
		p.state[item] = &itemState{bid: mid - 0.01, ask: mid + 0.01, trade: mid}
	}
	return p
}

// Interval 发布间隔
func (p *Publisher) Interval() time.Duration {
	return p.interval
}

// Due 是否到了发布时间
func (p *Publisher) Due(now time.Time) bool {
	return len(p.items) > 0 && !now.Before(p.next)
}

// Next 为每个 item 生成一条增量更新
func (p *Publisher) Next(now time.Time) []*protocol.MarketUpdate {
	p.next = now.Add(p.interval)
	out := make([]*protocol.MarketUpdate, 0, len(p.items))
	for _, item := range p.items {
		st := p.state[item]
		st.seq++
		step := (p.rnd.Float64() - 0.5) * 0.1
		st.trade += step
		st.bid, st.ask = st.trade-0.01, st.trade+0.01
		out = append(out, &protocol.MarketUpdate{
			Type: protocol.UpdateUpdate,
			Item: item,
			Seq:  st.seq,
			Fields: map[string]float64{
				"BID":    st.bid,
				"ASK":    st.ask,
				"TRDPRC": st.trade,
			},
			SentAt: now.UnixNano(),
		})
	}
	return out
}

// Snapshot 新 consumer 的全量快照
func (p *Publisher) Snapshot(now time.Time) []*protocol.MarketUpdate {
	out := make([]*protocol.MarketUpdate, 0, len(p.items))
	for _, item := range p.items {
		st := p.state[item]
		out = append(out, &protocol.MarketUpdate{
			Type: protocol.UpdateRefresh,
			Item: item,
			Seq:  st.seq,
			Fields: map[string]float64{
				"BID":    st.bid,
				"ASK":    st.ask,
				"TRDPRC": st.trade,
			},
			Text:   "snapshot",
			SentAt: now.UnixNano(),
		})
	}
	return out
}
