package protocol

// UpdateType 行情消息类型
type UpdateType uint8

const (
	UpdateRefresh UpdateType = 1 // 全量快照
	UpdateUpdate  UpdateType = 2 // 增量更新
	UpdateStatus  UpdateType = 3 // 状态变化
)

func (t UpdateType) String() string {
	switch t {
	case UpdateRefresh:
		return "refresh"
	case UpdateUpdate:
		return "update"
	case UpdateStatus:
		return "status"
	}
	return "unknown"
}

// MarketUpdate 工具之间传递的演示载荷
type MarketUpdate struct {
	Type   UpdateType         `msgpack:"type"`
	Item   string             `msgpack:"item"`
	Seq    uint64             `msgpack:"seq"`
	Fields map[string]float64 `msgpack:"fields,omitempty"`
	Text   string             `msgpack:"text,omitempty"`
	SentAt int64              `msgpack:"sent_at"` // unix 纳秒
}
