package archive

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/logger"
)

// 支持的存储驱动。
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverEtcd   = "etcd"
)

// Config 归档存储配置
type Config struct {
	// Driver 存储驱动：sqlite、mysql 或 etcd，默认 sqlite
	Driver string `yaml:"driver" mapstructure:"driver"`

	// Path sqlite 数据库文件路径
	Path string `yaml:"path" mapstructure:"path"`

	// DSN mysql 连接串
	DSN string `yaml:"dsn" mapstructure:"dsn"`

	// MaxOpenConns mysql 最大连接数，0 表示不限制
	MaxOpenConns int `yaml:"max_open_conns" mapstructure:"max_open_conns"`

	// LogSQL 是否将 SQL 输出到日志
	LogSQL bool `yaml:"log_sql" mapstructure:"log_sql"`

	// ScanLimit 打开时并行检查制品的并发数
	ScanLimit int `yaml:"scan_limit" mapstructure:"scan_limit"`

	// Etcd etcd 后端配置
	Etcd EtcdConfig `yaml:"etcd" mapstructure:"etcd"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Driver:    DriverSQLite,
		Path:      "plugins.db",
		ScanLimit: 8,
		Etcd:      DefaultEtcdConfig(),
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case DriverSQLite:
		if strings.TrimSpace(c.Path) == "" {
			return errors.Wrap(ErrInvalidConfig, "sqlite path cannot be empty")
		}
	case DriverMySQL:
		if strings.TrimSpace(c.DSN) == "" {
			return errors.Wrap(ErrInvalidConfig, "mysql dsn cannot be empty")
		}
	case DriverEtcd:
		return c.Etcd.Validate()
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown driver %q", c.Driver)
	}
	return nil
}

// NewBackend 按驱动创建后端。
func NewBackend(cfg Config, l logger.Logger) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Driver = strings.ToLower(cfg.Driver)
	if cfg.Driver == DriverEtcd {
		return NewEtcdBackend(cfg.Etcd, l), nil
	}
	return NewSQLBackend(cfg, l), nil
}

// Open 按配置创建并打开 Store。
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := NewStore(nil, opts...)
	b, err := NewBackend(cfg, s.logger)
	if err != nil {
		return nil, err
	}
	s.backend = b
	if cfg.ScanLimit > 0 {
		s.scanLimit = cfg.ScanLimit
	}
	if err := s.Open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}
