package framework

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/zeus-plugin/pkg/archive"
)

const (
	// DefaultWaitTimeout 是普通生命周期调用等待操作令牌的上限。
	DefaultWaitTimeout = 500 * time.Millisecond
	// DefaultUninstallTimeout 是卸载等待操作令牌的上限。
	DefaultUninstallTimeout = 20 * time.Second
	// DefaultStartLevel 是新安装插件的启动级别。
	DefaultStartLevel = 1
)

// Config 框架配置。
type Config struct {
	WaitTimeout       time.Duration     `yaml:"wait_timeout" mapstructure:"wait_timeout"`
	UninstallTimeout  time.Duration     `yaml:"uninstall_timeout" mapstructure:"uninstall_timeout"`
	DefaultStartLevel int               `yaml:"default_start_level" mapstructure:"default_start_level"`
	Autostart         bool              `yaml:"autostart" mapstructure:"autostart"`
	Properties        map[string]string `yaml:"properties" mapstructure:"properties"`
	Storage           archive.Config    `yaml:"storage" mapstructure:"storage"`
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		WaitTimeout:       DefaultWaitTimeout,
		UninstallTimeout:  DefaultUninstallTimeout,
		DefaultStartLevel: DefaultStartLevel,
		Autostart:         true,
		Storage:           archive.DefaultConfig(),
	}
}

// withDefaults 为零值字段填充默认值。
func (c Config) withDefaults() Config {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.UninstallTimeout <= 0 {
		c.UninstallTimeout = DefaultUninstallTimeout
	}
	if c.DefaultStartLevel == 0 {
		c.DefaultStartLevel = DefaultStartLevel
	}
	if c.Storage.Driver == "" {
		c.Storage = archive.DefaultConfig()
	}
	return c
}

// Validate 校验配置。
func (c *Config) Validate() error {
	if c.DefaultStartLevel < 0 {
		return errors.Wrapf(ErrInvalidArgument, "default_start_level %d", c.DefaultStartLevel)
	}
	if c.UninstallTimeout < c.WaitTimeout {
		return errors.Wrap(ErrInvalidArgument, "uninstall_timeout shorter than wait_timeout")
	}
	return c.Storage.Validate()
}
