package transport

import (
	"fmt"
	"io"
	"syscall"

	"github.com/pkg/errors"
)

// ErrorKind 失败分类
type ErrorKind int

const (
	KindConfig   ErrorKind = iota + 1 // 配置错误，I/O 之前发现
	KindNetwork                       // 套接字错误，可重连
	KindProtocol                      // 线路数据非法
	KindRejected                      // 对端拒绝握手
	KindClosed                        // 对端关闭或调用方关闭
	KindBusy                          // 输出缓冲耗尽，稍后重试
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindRejected:
		return "rejected"
	case KindClosed:
		return "closed"
	case KindBusy:
		return "busy"
	}
	return "unknown"
}

// Error 传输层错误，携带返回码与诊断文本
type Error struct {
	Code  ReturnCode
	Kind  ErrorKind
	Errno syscall.Errno // 0 表示非系统调用错误
	Text  string
	cause error
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: %s (errno %d)", e.Code, e.Text, int(e.Errno))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Text)
}

// Unwrap 返回底层错误
func (e *Error) Unwrap() error {
	return e.cause
}

// Recoverable 是否可以通过重连恢复
func (e *Error) Recoverable() bool {
	return e.Kind == KindNetwork
}

func newError(code ReturnCode, kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	e := &Error{Code: code, Kind: kind, Text: fmt.Sprintf(format, args...), cause: cause}
	var errno syscall.Errno
	if cause != nil && errors.As(cause, &errno) {
		e.Errno = errno
	}
	if cause != nil {
		e.Text += ": " + cause.Error()
	}
	return e
}

func configError(format string, args ...interface{}) *Error {
	return newError(Failure, KindConfig, nil, format, args...)
}

func networkError(cause error, format string, args ...interface{}) *Error {
	return newError(Failure, KindNetwork, cause, format, args...)
}

func protocolError(cause error, format string, args ...interface{}) *Error {
	return newError(Failure, KindProtocol, cause, format, args...)
}

// socketError 将读写错误分类：EOF 视为对端关闭，其余为网络错误
func socketError(op string, err error) *Error {
	if err == io.EOF {
		return newError(Failure, KindClosed, err, "%s: connection closed by peer", op)
	}
	return networkError(err, "%s", op)
}

// CodeOf 提取返回码；非传输层错误视为 Failure，nil 视为 Success
func CodeOf(err error) ReturnCode {
	if err == nil {
		return Success
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return Failure
}

// KindOf 提取失败分类
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}

// IsRecoverable 判断失败是否应触发重连
func IsRecoverable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Recoverable()
	}
	return false
}
