package main

import (
	"context"
	"io"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lk2023060901/zeus-plugin/pkg/app"
	"github.com/lk2023060901/zeus-plugin/pkg/framework"
	"github.com/lk2023060901/zeus-plugin/pkg/logger"
)

const envPrefix = "PLUGINCTL"

// cli 持有命令共享的配置来源与输出。
type cli struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	c := &cli{v: viper.New(), out: out}
	defaults := app.DefaultConfig()

	root := &cobra.Command{
		Use:           "pluginctl",
		Short:         "pluginctl manages plugins of a persistent plugin framework",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.readConfig()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (yaml)")
	flags.String("driver", "", "archive storage driver: sqlite, mysql or etcd")
	flags.String("storage", "", "sqlite database path")
	flags.String("dsn", "", "mysql dsn")
	flags.String("log-level", "warn", "console log level")

	_ = c.v.BindPFlag("config", flags.Lookup("config"))
	_ = c.v.BindPFlag("framework.storage.driver", flags.Lookup("driver"))
	_ = c.v.BindPFlag("framework.storage.path", flags.Lookup("storage"))
	_ = c.v.BindPFlag("framework.storage.dsn", flags.Lookup("dsn"))
	_ = c.v.BindPFlag("log_level", flags.Lookup("log-level"))
	// 默认值优先于未设置的 flag 默认值，避免空 flag 覆盖默认配置。
	c.v.SetDefault("framework.storage.driver", defaults.Framework.Storage.Driver)
	c.v.SetDefault("framework.storage.path", defaults.Framework.Storage.Path)
	c.v.SetDefault("log_level", "warn")

	c.v.SetEnvPrefix(envPrefix)
	c.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	c.v.AutomaticEnv()

	root.AddCommand(
		c.installCmd(),
		c.updateCmd(),
		c.uninstallCmd(),
		c.startCmd(),
		c.stopCmd(),
		c.listCmd(),
		c.headersCmd(),
		c.resourcesCmd(),
		c.runCmd(),
		versionCmd(),
	)
	return root
}

func (c *cli) readConfig() error {
	path := c.v.GetString("config")
	if path == "" {
		return nil
	}
	c.v.SetConfigFile(path)
	if err := c.v.ReadInConfig(); err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

// config 合并默认值、配置文件、环境变量与命令行参数。
func (c *cli) config() (app.Config, error) {
	cfg := app.DefaultConfig()
	if err := c.v.Unmarshal(&cfg); err != nil {
		return app.Config{}, errors.Wrap(err, "decode config")
	}
	if len(cfg.Loggers) == 0 {
		level := c.v.GetString("log_level")
		cfg.Loggers = []logger.NamedConfig{
			{Name: app.LoggerApp, Output: logger.OutputStderr, Format: logger.FormatConsole, Level: level},
			{Name: app.LoggerFramework, Output: logger.OutputStderr, Format: logger.FormatConsole, Level: level},
			{Name: app.LoggerRefresh, Output: logger.OutputStderr, Format: logger.FormatConsole, Level: level},
		}
	}
	return cfg, cfg.Validate()
}

func newLoader() framework.Loader {
	return framework.LoaderChain{framework.GoPluginLoader{}}
}

// withFramework 打开框架、执行 fn 后关闭。活动插件以暂态方式停止，持久化的自启动设置保留。
func (c *cli) withFramework(ctx context.Context, fn func(*framework.Framework) error) (err error) {
	cfg, err := c.config()
	if err != nil {
		return err
	}
	if err := logger.InitFromConfig(logger.Config{Loggers: cfg.Loggers}); err != nil {
		return err
	}
	fw, err := framework.New(cfg.Framework,
		framework.WithLogger(logger.Get(app.LoggerFramework)),
		framework.WithLoader(newLoader()),
	)
	if err != nil {
		return err
	}
	fw.AddFrameworkListener(&errorPrinter{out: c.out})
	if err := fw.Init(ctx); err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, fw.Stop(context.WithoutCancel(ctx)))
	}()
	return fn(fw)
}

// pluginArg 把参数解析为插件 ID 或位置。
func pluginArg(fw *framework.Framework, arg string) (*framework.Plugin, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		if p := fw.Plugin(id); p != nil {
			return p, nil
		}
	}
	if p := fw.Registry().PluginByLocation(arg); p != nil {
		return p, nil
	}
	return nil, errors.Newf("plugin %q not found", arg)
}

// errorPrinter 输出框架报告的错误。
type errorPrinter struct {
	out io.Writer
}

func (e *errorPrinter) FrameworkEvent(ev framework.FrameworkEvent) {
	if ev.Type == framework.FrameworkError && ev.Err != nil {
		_, _ = io.WriteString(e.out, "framework error: "+ev.Err.Error()+"\n")
	}
}
