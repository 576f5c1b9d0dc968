package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

/*
打包帧载荷：
+----------+-----------+----------+-----------+-----
| EntryLen |  Entry    | EntryLen |  Entry    | ...
|  2 bytes |  变长     |  2 bytes |  变长     |
+----------+-----------+----------+-----------+-----
*/

var ErrInvalidPacked = errors.New("invalid packed entry")

// NextPacked 读取 off 处的打包条目，返回条目内容和下一条目的偏移
func NextPacked(payload []byte, off int) (entry []byte, next int, err error) {
	if len(payload)-off < PackedLenSize {
		return nil, off, errors.Wrapf(ErrInvalidPacked, "truncated length at offset %d", off)
	}
	n := int(binary.BigEndian.Uint16(payload[off:]))
	start := off + PackedLenSize
	if len(payload)-start < n {
		return nil, off, errors.Wrapf(ErrInvalidPacked, "entry of %d bytes overruns payload at offset %d", n, off)
	}
	return payload[start : start+n], start + n, nil
}

// PutPackedLen 写入打包条目长度前缀
func PutPackedLen(b []byte, n int) {
	binary.BigEndian.PutUint16(b, uint16(n))
}

// AppendPacked 追加一个打包条目
func AppendPacked(dst, entry []byte) ([]byte, error) {
	if len(entry) > MaxPayloadLen {
		return dst, errors.Wrapf(ErrPayloadTooLarge, "packed entry: %d bytes", len(entry))
	}
	var l [PackedLenSize]byte
	PutPackedLen(l[:], len(entry))
	dst = append(dst, l[:]...)
	return append(dst, entry...), nil
}

// EncodePacked 将多个条目编码为一个打包帧
func EncodePacked(entries ...[]byte) ([]byte, error) {
	payload := make([]byte, 0, 64)
	var err error
	for _, e := range entries {
		if payload, err = AppendPacked(payload, e); err != nil {
			return nil, err
		}
	}
	return EncodeFrame(FlagData|FlagPacked, payload)
}
