// Package config 提供配置加载功能
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ConsumerConfig Consumer 配置
type ConsumerConfig struct {
	Connection ConnectionConfig `yaml:"connection"`
	Session    SessionConfig    `yaml:"session"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ProviderConfig Provider 配置
type ProviderConfig struct {
	Server     ServerConfig     `yaml:"server"`
	Connection ConnectionConfig `yaml:"connection"`
	Session    SessionConfig    `yaml:"session"`
	Publish    PublishConfig    `yaml:"publish"`
	Auth       AuthConfig       `yaml:"auth"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Log        LogConfig        `yaml:"log"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ConnectionConfig 通道连接配置，对应 transport.ConnectOptions
type ConnectionConfig struct {
	Type             string        `yaml:"type"` // socket, http, encrypted, multicast
	Host             string        `yaml:"host"`
	Port             string        `yaml:"port"`
	Interface        string        `yaml:"interface"`
	TCPNoDelay       bool          `yaml:"tcp_no_delay"`
	SysSendBufSize   int           `yaml:"sys_send_buf_size"`
	SysRecvBufSize   int           `yaml:"sys_recv_buf_size"`
	GuaranteedOutput int           `yaml:"guaranteed_output_buffers"`
	MaxOutput        int           `yaml:"max_output_buffers"`
	NumInputBuffers  int           `yaml:"num_input_buffers"`
	Compression      string        `yaml:"compression"` // none, zlib, lz4
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	ProtocolType     int           `yaml:"protocol_type"`
	MajorVersion     int           `yaml:"major_version"`
	MinorVersion     int           `yaml:"minor_version"`
	ComponentVersion string        `yaml:"component_version"`
	InitTimeout      time.Duration `yaml:"init_timeout"`
	LockingReads     bool          `yaml:"locking_reads"`
	Proxy            ProxyConfig   `yaml:"proxy"`
	Encryption       EncryptConfig `yaml:"encryption"`
	Tunnel           TunnelConfig  `yaml:"tunnel"`
}

// ProxyConfig 隧道代理配置
type ProxyConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// EncryptConfig 加密参数，透传给加密升级器
type EncryptConfig struct {
	KeystoreFile     string `yaml:"keystore_file"`
	KeystorePassword string `yaml:"keystore_password"`
	KeystoreType     string `yaml:"keystore_type"`
}

// TunnelConfig HTTP 隧道配置
type TunnelConfig struct {
	Path      string `yaml:"path"`
	AuthToken string `yaml:"auth_token"`
}

// SessionConfig 会话配置
type SessionConfig struct {
	ReadTimeout          time.Duration `yaml:"read_timeout"` // 0 表示 ping 超时的三分之一
	PackingEnabled       bool          `yaml:"packing_enabled"`
	PackingBufferSize    int           `yaml:"packing_buffer_size"`
	HighWaterMark        int           `yaml:"high_water_mark"`
	FlushStrategy        string        `yaml:"flush_strategy"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval"`
}

// ServerConfig Provider 监听配置
type ServerConfig struct {
	ID                   string        `yaml:"id"`
	Interface            string        `yaml:"interface"`
	Port                 string        `yaml:"port"`
	HealthAddr           string        `yaml:"health_addr"`
	MaxFragmentSize      int           `yaml:"max_fragment_size"`
	PingTimeout          time.Duration `yaml:"ping_timeout"`
	MinPingTimeout       time.Duration `yaml:"min_ping_timeout"`
	Compression          string        `yaml:"compression"`
	CompressionLevel     int           `yaml:"compression_level"`
	CompressionThreshold int           `yaml:"compression_threshold"`
	ProtocolType         int           `yaml:"protocol_type"`
	Backlog              int           `yaml:"backlog"`
}

// PublishConfig 合成行情发布配置
type PublishConfig struct {
	Interval time.Duration `yaml:"interval"`
	Items    []string      `yaml:"items"`
}

// AuthConfig HTTP 隧道认证配置
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
	AllowDev  bool   `yaml:"allow_dev"`
}

// DiscoveryConfig Provider 地址列表
type DiscoveryConfig struct {
	Providers   []string      `yaml:"providers"`    // host:port
	ReviveAfter time.Duration `yaml:"revive_after"` // 不健康地址的冷却时间
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	ConsumerGroup string        `yaml:"consumer_group"`
	BatchTimeout  time.Duration `yaml:"batch_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoadConsumerConfig 加载 Consumer 配置
func LoadConsumerConfig(path string) (*ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadProviderConfig 加载 Provider 配置
func LoadProviderConfig(path string) (*ProviderConfig, error) {
	var cfg ProviderConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
