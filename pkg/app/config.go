package app

import (
	"os"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/lk2023060901/zeus-plugin/pkg/framework"
	"github.com/lk2023060901/zeus-plugin/pkg/logger"
	"github.com/lk2023060901/zeus-plugin/pkg/refresh"
)

// Config 表示应用配置结构。
type Config struct {
	// Loggers 表示日志配置段。
	Loggers []logger.NamedConfig `yaml:"loggers" mapstructure:"loggers"`

	// Framework 表示插件框架配置段。
	Framework framework.Config `yaml:"framework" mapstructure:"framework"`

	// Refresh 表示制品刷新配置段。
	Refresh refresh.Config `yaml:"refresh" mapstructure:"refresh"`
}

// DefaultConfig 返回默认应用配置。
func DefaultConfig() Config {
	return Config{
		Framework: framework.DefaultConfig(),
		Refresh:   refresh.DefaultConfig(),
	}
}

// Validate 校验各配置段。
func (c *Config) Validate() error {
	if err := c.Framework.Validate(); err != nil {
		return errors.Wrap(err, "framework")
	}
	if c.Refresh.Enabled {
		if err := c.Refresh.Validate(); err != nil {
			return errors.Wrap(err, "refresh")
		}
	}
	return nil
}

func (c *Config) initLoggers() error {
	if len(c.Loggers) == 0 {
		return nil
	}
	return logger.InitFromConfig(logger.Config{Loggers: c.Loggers})
}

// LoadConfigFromFile 从 YAML 文件加载应用配置，未出现的字段保留默认值。
func LoadConfigFromFile(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}
