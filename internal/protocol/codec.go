package protocol

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Encode 使用 msgpack 编码
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode 使用 msgpack 解码
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// EncodeUpdate 编码行情消息
func EncodeUpdate(u *MarketUpdate) ([]byte, error) {
	return Encode(u)
}

// DecodeUpdate 解码行情消息
func DecodeUpdate(data []byte) (*MarketUpdate, error) {
	var u MarketUpdate
	if err := Decode(data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}
