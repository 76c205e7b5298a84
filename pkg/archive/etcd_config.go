package archive

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// EtcdConfig etcd 后端配置
type EtcdConfig struct {
	// Endpoints etcd 节点地址
	Endpoints []string `yaml:"endpoints" mapstructure:"endpoints"`

	// Prefix 键前缀
	Prefix string `yaml:"prefix" mapstructure:"prefix"`

	// DialTimeout 连接超时
	DialTimeout time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`

	// RequestTimeout 单次请求超时
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`

	// Username/Password 认证信息
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`

	// TLS 证书
	CertFile string `yaml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `yaml:"key_file" mapstructure:"key_file"`
	CAFile   string `yaml:"ca_file" mapstructure:"ca_file"`

	// MaxCallSendMsgSize/MaxCallRecvMsgSize 单条消息大小上限，资源块较大时需调高
	MaxCallSendMsgSize int `yaml:"max_call_send_msg_size" mapstructure:"max_call_send_msg_size"`
	MaxCallRecvMsgSize int `yaml:"max_call_recv_msg_size" mapstructure:"max_call_recv_msg_size"`

	// MaxRetries 失败重试次数
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries"`

	// RetryInterval 重试间隔
	RetryInterval time.Duration `yaml:"retry_interval" mapstructure:"retry_interval"`
}

// DefaultEtcdConfig 返回默认配置
func DefaultEtcdConfig() EtcdConfig {
	return EtcdConfig{
		Endpoints:          []string{"localhost:2379"},
		Prefix:             "/zeus/plugins",
		DialTimeout:        5 * time.Second,
		RequestTimeout:     10 * time.Second,
		MaxCallSendMsgSize: 8 * 1024 * 1024,
		MaxCallRecvMsgSize: 32 * 1024 * 1024,
		MaxRetries:         3,
		RetryInterval:      100 * time.Millisecond,
	}
}

// Validate 验证配置
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return errors.Wrap(ErrInvalidConfig, "etcd endpoints cannot be empty")
	}
	if c.DialTimeout <= 0 {
		return errors.Wrap(ErrInvalidConfig, "etcd dial timeout must be positive")
	}
	if strings.Trim(c.Prefix, "/") == "" {
		return errors.Wrap(ErrInvalidConfig, "etcd prefix cannot be empty")
	}
	// 启用 TLS 时三个文件必须齐全
	if c.CertFile != "" || c.KeyFile != "" || c.CAFile != "" {
		if c.CertFile == "" || c.KeyFile == "" || c.CAFile == "" {
			return errors.Wrap(ErrInvalidConfig, "all etcd TLS files (cert, key, ca) must be provided")
		}
	}
	return nil
}

// ToClientConfig 转换为 etcd client 配置
func (c *EtcdConfig) ToClientConfig() (*clientv3.Config, error) {
	config := &clientv3.Config{
		Endpoints:           c.Endpoints,
		DialTimeout:         c.DialTimeout,
		MaxCallSendMsgSize:  c.MaxCallSendMsgSize,
		MaxCallRecvMsgSize:  c.MaxCallRecvMsgSize,
		RejectOldCluster:    true,
		PermitWithoutStream: true,
	}

	if c.Username != "" && c.Password != "" {
		config.Username = c.Username
		config.Password = c.Password
	}

	if c.CertFile != "" {
		tlsConfig, err := c.buildTLSConfig()
		if err != nil {
			return nil, err
		}
		config.TLS = tlsConfig
	}

	// 禁用 gRPC 默认服务配置解析，避免与 etcd 内部 resolver 冲突
	dialOpts := []grpc.DialOption{
		grpc.WithDisableServiceConfig(),
	}
	if config.TLS == nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	config.DialOptions = dialOpts

	return config, nil
}

func (c *EtcdConfig) buildTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load etcd client cert")
	}
	caData, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, errors.Wrap(err, "read etcd ca file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("archive: parse etcd ca certificate failed")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
