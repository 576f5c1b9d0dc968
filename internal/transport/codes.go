// Package transport 实现 RIPC 通道：连接、握手、非阻塞读写、流控与关闭
package transport

import "strconv"

// ReturnCode 传输层返回码。Read/Write/Flush 返回正数表示仍有数据待处理。
type ReturnCode int

// 返回码定义（数值为稳定的外部约定）
const (
	Success            ReturnCode = 0   // 成功
	Failure            ReturnCode = -1  // 失败，附带诊断文本
	NoBuffers          ReturnCode = -4  // 输出缓冲耗尽
	WriteFlushFailed   ReturnCode = -9  // 已接收写入但刷新失败
	WriteCallAgain     ReturnCode = -10 // 大消息未完全排队，刷新后再次调用 Write
	ReadWouldBlock     ReturnCode = -11 // 无完整消息可读
	FDChange           ReturnCode = -12 // 握手期间描述符已更换
	ReadPing           ReturnCode = -19 // 收到心跳，无载荷
	ReadInProgress     ReturnCode = -20 // 读锁被其他调用方持有
	ChanInitInProgress ReturnCode = 2   // 握手进行中
)

// returnCodeName 返回码名称
var returnCodeName = map[ReturnCode]string{
	Success:            "SUCCESS",
	Failure:            "FAILURE",
	NoBuffers:          "NO_BUFFERS",
	WriteFlushFailed:   "WRITE_FLUSH_FAILED",
	WriteCallAgain:     "WRITE_CALL_AGAIN",
	ReadWouldBlock:     "READ_WOULD_BLOCK",
	FDChange:           "FD_CHANGE",
	ReadPing:           "READ_PING",
	ReadInProgress:     "READ_IN_PROGRESS",
	ChanInitInProgress: "CHAN_INIT_IN_PROGRESS",
}

func (c ReturnCode) String() string {
	if name, ok := returnCodeName[c]; ok {
		return name
	}
	if c > 0 {
		return "PENDING(" + strconv.Itoa(int(c)) + ")"
	}
	return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
}

// More 是否表示仍有数据待读或待写
func (c ReturnCode) More() bool {
	return c > Success
}

// State 通道状态
type State int32

const (
	StateInactive     State = iota // 未连接
	StateInitializing              // 握手中
	StateActive                    // 可读写
	StateClosed                    // 终态
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "INACTIVE"
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}
