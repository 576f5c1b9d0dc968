package protocol

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// CompressionType 压缩类型，线路上以 uint16 传输
type CompressionType uint16

const (
	CompressionNone CompressionType = 0
	CompressionZlib CompressionType = 1
	CompressionLZ4  CompressionType = 2
)

var ErrUnknownCompression = errors.New("unknown compression type")

// Mask 返回该类型在 ConnectReq 压缩位图中的位
func (t CompressionType) Mask() byte {
	if t == CompressionNone {
		return 0
	}
	return 1 << (t - 1)
}

func (t CompressionType) String() string {
	switch t {
	case CompressionNone:
		return "none"
	case CompressionZlib:
		return "zlib"
	case CompressionLZ4:
		return "lz4"
	}
	return "unknown"
}

// ParseCompression 解析配置中的压缩类型名
func ParseCompression(name string) (CompressionType, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return CompressionNone, nil
	case "zlib":
		return CompressionZlib, nil
	case "lz4":
		return CompressionLZ4, nil
	}
	return CompressionNone, errors.Wrapf(ErrUnknownCompression, "%q", name)
}

// Compressor 帧载荷压缩器
type Compressor interface {
	Type() CompressionType
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// NewCompressor 创建指定类型的压缩器；CompressionNone 返回 nil
func NewCompressor(t CompressionType, level int) (Compressor, error) {
	switch t {
	case CompressionNone:
		return nil, nil
	case CompressionZlib:
		if level <= 0 || level > zlib.BestCompression {
			level = zlib.DefaultCompression
		}
		return &zlibCompressor{level: level}, nil
	case CompressionLZ4:
		return &lz4Compressor{}, nil
	}
	return nil, errors.Wrapf(ErrUnknownCompression, "type %d", t)
}

type zlibCompressor struct {
	level int
}

func (z *zlibCompressor) Type() CompressionType { return CompressionZlib }

func (z *zlibCompressor) Compress(src []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := zlib.NewWriterLevel(&out, z.level)
	if err != nil {
		return nil, errors.Wrap(err, "zlib writer")
	}
	if _, err := w.Write(src); err != nil {
		return nil, errors.Wrap(err, "zlib compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "zlib compress")
	}
	return out.Bytes(), nil
}

func (z *zlibCompressor) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, errors.Wrap(err, "zlib reader")
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "zlib decompress")
	}
	return out, nil
}

type lz4Compressor struct{}

func (lz4Compressor) Type() CompressionType { return CompressionLZ4 }

func (lz4Compressor) Compress(src []byte) ([]byte, error) {
	var out bytes.Buffer
	w := lz4.NewWriter(&out)
	if _, err := w.Write(src); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "lz4 compress")
	}
	return out.Bytes(), nil
}

func (lz4Compressor) Decompress(src []byte) ([]byte, error) {
	out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(src)))
	if err != nil {
		return nil, errors.Wrap(err, "lz4 decompress")
	}
	return out, nil
}
