package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

/*
分片帧载荷：
首片（FlagFragHeader）：
+-------------+--------+-----------+
|  TotalLen   | FragID |   Data    |
|   4 bytes   | 2 bytes|   变长    |
+-------------+--------+-----------+
后续分片（FlagFragment）：
+--------+-----------+
| FragID |   Data    |
| 2 bytes|   变长    |
+--------+-----------+
*/

const (
	FragHeaderSize = 6 // 4 + 2
	FragIDSize     = 2
)

var ErrInvalidFragment = errors.New("invalid fragment")

// PutFragHeader 写入首片头
func PutFragHeader(b []byte, total int, id uint16) {
	binary.BigEndian.PutUint32(b[0:4], uint32(total))
	binary.BigEndian.PutUint16(b[4:6], id)
}

// PutFragID 写入后续分片头
func PutFragID(b []byte, id uint16) {
	binary.BigEndian.PutUint16(b[0:2], id)
}

// ParseFragHeader 解析首片载荷
func ParseFragHeader(payload []byte) (total int, id uint16, data []byte, err error) {
	if len(payload) < FragHeaderSize {
		return 0, 0, nil, errors.Wrapf(ErrInvalidFragment, "first fragment of %d bytes", len(payload))
	}
	total = int(binary.BigEndian.Uint32(payload[0:4]))
	id = binary.BigEndian.Uint16(payload[4:6])
	return total, id, payload[FragHeaderSize:], nil
}

// ParseFragment 解析后续分片载荷
func ParseFragment(payload []byte) (id uint16, data []byte, err error) {
	if len(payload) < FragIDSize {
		return 0, nil, errors.Wrapf(ErrInvalidFragment, "fragment of %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), payload[FragIDSize:], nil
}

// FragmentCapacity 返回首片和后续分片各自可承载的数据字节数
func FragmentCapacity(maxFragmentSize int) (first, rest int) {
	return maxFragmentSize - FragHeaderSize, maxFragmentSize - FragIDSize
}

// EncodeFragments 将 msg 切分为若干完整分片帧；extra 会附加到首片标志上（如 FlagCompressed）
func EncodeFragments(msg []byte, maxFragmentSize int, id uint16, extra byte) ([][]byte, error) {
	first, rest := FragmentCapacity(maxFragmentSize)
	if first <= 0 || maxFragmentSize > MaxPayloadLen {
		return nil, errors.Errorf("max fragment size %d out of range", maxFragmentSize)
	}

	var frames [][]byte
	off := 0
	for off < len(msg) || off == 0 {
		var frame []byte
		if off == 0 {
			n := min(first, len(msg))
			frame = make([]byte, HeaderSize+FragHeaderSize+n)
			PutHeader(frame, len(frame), FlagData|FlagFragHeader|extra)
			PutFragHeader(frame[HeaderSize:], len(msg), id)
			copy(frame[HeaderSize+FragHeaderSize:], msg[:n])
			off = n
		} else {
			n := min(rest, len(msg)-off)
			frame = make([]byte, HeaderSize+FragIDSize+n)
			PutHeader(frame, len(frame), FlagData|FlagFragment)
			PutFragID(frame[HeaderSize:], id)
			copy(frame[HeaderSize+FragIDSize:], msg[off:off+n])
			off += n
		}
		frames = append(frames, frame)
		if len(msg) == 0 {
			break
		}
	}
	return frames, nil
}
