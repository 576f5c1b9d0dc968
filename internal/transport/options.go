package transport

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/qiminjie89/ripc/internal/buffer"
	"github.com/qiminjie89/ripc/internal/protocol"
	"github.com/qiminjie89/ripc/pkg/config"
)

// ConnectionType 连接类型
type ConnectionType int

const (
	ConnTypeSocket ConnectionType = iota
	ConnTypeEncrypted
	ConnTypeHTTP
	ConnTypeMulticast
)

func (t ConnectionType) String() string {
	switch t {
	case ConnTypeSocket:
		return "socket"
	case ConnTypeEncrypted:
		return "encrypted"
	case ConnTypeHTTP:
		return "http"
	case ConnTypeMulticast:
		return "multicast"
	}
	return "unknown"
}

// ParseConnectionType 解析配置中的连接类型
func ParseConnectionType(name string) (ConnectionType, error) {
	switch strings.ToLower(name) {
	case "", "socket":
		return ConnTypeSocket, nil
	case "encrypted":
		return ConnTypeEncrypted, nil
	case "http":
		return ConnTypeHTTP, nil
	case "multicast":
		return ConnTypeMulticast, nil
	}
	return 0, errors.Errorf("unknown connection type %q", name)
}

// 默认值
const (
	DefaultGuaranteedOutputBuffers = 50
	DefaultMaxOutputBuffers        = 100
	DefaultNumInputBuffers         = 10
	DefaultMaxFragmentSize         = 6144
	DefaultPingTimeout             = 60 * time.Second
	DefaultMinPingTimeout          = 20 * time.Second
	DefaultInitTimeout             = 60 * time.Second
	DefaultHighWaterMark           = 6144
	DefaultFlushStrategy           = "HMHLHM"
	DefaultCompressionThreshold    = 30
	DefaultMajorVersion            = 14
	DefaultMinorVersion            = 1
	DefaultBacklog                 = 128
	DefaultTunnelPath              = "/"

	maxPingTimeout = 255 * time.Second
)

// ProxyOptions HTTP 代理
type ProxyOptions struct {
	Host     string
	Port     string
	User     string
	Password string
}

// EncryptionOptions 加密参数，原样交给 Upgrader
type EncryptionOptions struct {
	KeystoreFile     string
	KeystorePassword string
	KeystoreType     string
	Upgrader         Upgrader
}

// TunnelOptions HTTP 隧道参数
type TunnelOptions struct {
	Path      string
	AuthToken string // 作为 Bearer 令牌发送
}

// ConnectOptions 客户端连接参数
type ConnectOptions struct {
	ConnectionType          ConnectionType
	Host                    string
	Port                    string
	Interface               string
	TCPNoDelay              bool
	SysSendBufSize          int
	SysRecvBufSize          int
	GuaranteedOutputBuffers int
	MaxOutputBuffers        int
	NumInputBuffers         int
	CompressionType         protocol.CompressionType
	PingTimeout             time.Duration
	ProtocolType            int
	MajorVersion            int
	MinorVersion            int
	ComponentVersion        string
	InitTimeout             time.Duration
	LockingReads            bool
	HighWaterMark           int
	FlushStrategy           string
	Proxy                   ProxyOptions
	Encryption              EncryptionOptions
	Tunnel                  TunnelOptions
	UserSpecObject          interface{}
}

// BindOptions 服务端监听参数
type BindOptions struct {
	Interface               string
	Port                    string
	Backlog                 int
	TCPNoDelay              bool
	SysSendBufSize          int
	SysRecvBufSize          int
	MaxFragmentSize         int
	PingTimeout             time.Duration
	MinPingTimeout          time.Duration
	CompressionType         protocol.CompressionType
	CompressionLevel        int
	CompressionThreshold    int
	ProtocolType            int
	MajorVersion            int
	MinorVersion            int
	ComponentVersion        string
	GuaranteedOutputBuffers int
	MaxOutputBuffers        int
	NumInputBuffers         int
	HighWaterMark           int
	FlushStrategy           string
	InitTimeout             time.Duration
	LockingReads            bool
	// Authenticator 校验 HTTP 隧道请求携带的 Bearer 令牌；nil 表示不校验
	Authenticator func(token string) error
}

// OptionsFromConfig 由配置生成连接参数
func OptionsFromConfig(conn config.ConnectionConfig, sess config.SessionConfig) (ConnectOptions, error) {
	ct, err := ParseConnectionType(conn.Type)
	if err != nil {
		return ConnectOptions{}, configError("%v", err)
	}
	comp, err := protocol.ParseCompression(conn.Compression)
	if err != nil {
		return ConnectOptions{}, configError("%v", err)
	}
	opts := ConnectOptions{
		ConnectionType:          ct,
		Host:                    conn.Host,
		Port:                    conn.Port,
		Interface:               conn.Interface,
		TCPNoDelay:              conn.TCPNoDelay,
		SysSendBufSize:          conn.SysSendBufSize,
		SysRecvBufSize:          conn.SysRecvBufSize,
		GuaranteedOutputBuffers: conn.GuaranteedOutput,
		MaxOutputBuffers:        conn.MaxOutput,
		NumInputBuffers:         conn.NumInputBuffers,
		CompressionType:         comp,
		PingTimeout:             conn.PingTimeout,
		ProtocolType:            conn.ProtocolType,
		MajorVersion:            conn.MajorVersion,
		MinorVersion:            conn.MinorVersion,
		ComponentVersion:        conn.ComponentVersion,
		InitTimeout:             conn.InitTimeout,
		LockingReads:            conn.LockingReads,
		HighWaterMark:           sess.HighWaterMark,
		FlushStrategy:           sess.FlushStrategy,
		Proxy: ProxyOptions{
			Host:     conn.Proxy.Host,
			Port:     conn.Proxy.Port,
			User:     conn.Proxy.User,
			Password: conn.Proxy.Password,
		},
		Encryption: EncryptionOptions{
			KeystoreFile:     conn.Encryption.KeystoreFile,
			KeystorePassword: conn.Encryption.KeystorePassword,
			KeystoreType:     conn.Encryption.KeystoreType,
		},
		Tunnel: TunnelOptions{
			Path:      conn.Tunnel.Path,
			AuthToken: conn.Tunnel.AuthToken,
		},
	}
	opts.applyDefaults()
	return opts, nil
}

// BindOptionsFromConfig 由配置生成监听参数
func BindOptionsFromConfig(srv config.ServerConfig, conn config.ConnectionConfig, sess config.SessionConfig) (BindOptions, error) {
	comp, err := protocol.ParseCompression(srv.Compression)
	if err != nil {
		return BindOptions{}, configError("%v", err)
	}
	opts := BindOptions{
		Interface:               srv.Interface,
		Port:                    srv.Port,
		Backlog:                 srv.Backlog,
		TCPNoDelay:              conn.TCPNoDelay,
		SysSendBufSize:          conn.SysSendBufSize,
		SysRecvBufSize:          conn.SysRecvBufSize,
		MaxFragmentSize:         srv.MaxFragmentSize,
		PingTimeout:             srv.PingTimeout,
		MinPingTimeout:          srv.MinPingTimeout,
		CompressionType:         comp,
		CompressionLevel:        srv.CompressionLevel,
		CompressionThreshold:    srv.CompressionThreshold,
		ProtocolType:            srv.ProtocolType,
		MajorVersion:            conn.MajorVersion,
		MinorVersion:            conn.MinorVersion,
		ComponentVersion:        conn.ComponentVersion,
		GuaranteedOutputBuffers: conn.GuaranteedOutput,
		MaxOutputBuffers:        conn.MaxOutput,
		NumInputBuffers:         conn.NumInputBuffers,
		HighWaterMark:           sess.HighWaterMark,
		FlushStrategy:           sess.FlushStrategy,
		InitTimeout:             conn.InitTimeout,
		LockingReads:            conn.LockingReads,
	}
	opts.applyDefaults()
	return opts, nil
}

// ReservePool 按保证输出缓冲数与输入缓冲数预热缓冲池
func (o ConnectOptions) ReservePool(pool *buffer.Pool) {
	o.applyDefaults()
	pool.Reserve(o.GuaranteedOutputBuffers+o.NumInputBuffers, DefaultMaxFragmentSize+protocol.HeaderSize+protocol.ChunkOverhead)
}

func (o *ConnectOptions) applyDefaults() {
	if o.GuaranteedOutputBuffers <= 0 {
		o.GuaranteedOutputBuffers = DefaultGuaranteedOutputBuffers
	}
	if o.MaxOutputBuffers <= 0 {
		o.MaxOutputBuffers = DefaultMaxOutputBuffers
	}
	if o.MaxOutputBuffers < o.GuaranteedOutputBuffers {
		o.MaxOutputBuffers = o.GuaranteedOutputBuffers
	}
	if o.NumInputBuffers <= 0 {
		o.NumInputBuffers = DefaultNumInputBuffers
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.FlushStrategy == "" {
		o.FlushStrategy = DefaultFlushStrategy
	}
	if o.MajorVersion == 0 && o.MinorVersion == 0 {
		o.MajorVersion, o.MinorVersion = DefaultMajorVersion, DefaultMinorVersion
	}
	if o.Tunnel.Path == "" {
		o.Tunnel.Path = DefaultTunnelPath
	}
}

func (o *BindOptions) applyDefaults() {
	if o.Backlog <= 0 {
		o.Backlog = DefaultBacklog
	}
	if o.MaxFragmentSize <= 0 {
		o.MaxFragmentSize = DefaultMaxFragmentSize
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = DefaultPingTimeout
	}
	if o.MinPingTimeout <= 0 {
		o.MinPingTimeout = DefaultMinPingTimeout
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = DefaultCompressionThreshold
	}
	if o.GuaranteedOutputBuffers <= 0 {
		o.GuaranteedOutputBuffers = DefaultGuaranteedOutputBuffers
	}
	if o.MaxOutputBuffers <= 0 {
		o.MaxOutputBuffers = DefaultMaxOutputBuffers
	}
	if o.MaxOutputBuffers < o.GuaranteedOutputBuffers {
		o.MaxOutputBuffers = o.GuaranteedOutputBuffers
	}
	if o.NumInputBuffers <= 0 {
		o.NumInputBuffers = DefaultNumInputBuffers
	}
	if o.HighWaterMark <= 0 {
		o.HighWaterMark = DefaultHighWaterMark
	}
	if o.FlushStrategy == "" {
		o.FlushStrategy = DefaultFlushStrategy
	}
	if o.InitTimeout <= 0 {
		o.InitTimeout = DefaultInitTimeout
	}
	if o.MajorVersion == 0 && o.MinorVersion == 0 {
		o.MajorVersion, o.MinorVersion = DefaultMajorVersion, DefaultMinorVersion
	}
}

// validate 在任何 I/O 之前检查参数
func (o *ConnectOptions) validate() error {
	if o.ConnectionType == ConnTypeMulticast {
		return configError("multicast connections are not supported")
	}
	if o.Host == "" || o.Port == "" {
		return configError("host and port are required")
	}
	if o.PingTimeout > maxPingTimeout {
		return configError("ping timeout %s exceeds %s", o.PingTimeout, maxPingTimeout)
	}
	if o.ConnectionType == ConnTypeEncrypted && o.Encryption.Upgrader == nil {
		return configError("encrypted connection requires an upgrader")
	}
	if o.Proxy.Host != "" && o.Proxy.Port == "" {
		return configError("proxy port is required")
	}
	return validateFlushStrategy(o.FlushStrategy)
}

func (o *BindOptions) validate() error {
	if o.MaxFragmentSize <= protocol.FragHeaderSize || o.MaxFragmentSize > protocol.MaxPayloadLen {
		return configError("max fragment size %d out of range", o.MaxFragmentSize)
	}
	if o.PingTimeout > maxPingTimeout {
		return configError("ping timeout %s exceeds %s", o.PingTimeout, maxPingTimeout)
	}
	if o.MinPingTimeout > o.PingTimeout {
		return configError("min ping timeout %s exceeds ping timeout %s", o.MinPingTimeout, o.PingTimeout)
	}
	return validateFlushStrategy(o.FlushStrategy)
}

func validateFlushStrategy(s string) error {
	for _, c := range s {
		if c != 'H' && c != 'M' && c != 'L' {
			return configError("invalid flush strategy %q", s)
		}
	}
	if !strings.ContainsRune(s, 'H') {
		return configError("flush strategy %q must contain H", s)
	}
	return nil
}
