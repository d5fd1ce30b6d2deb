package application

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/paper-soldier-go/internal/network/acceptor"
	"github.com/lk2023060901/paper-soldier-go/internal/server"
	"github.com/lk2023060901/paper-soldier-go/internal/service/lobby"
	zlog "github.com/lk2023060901/paper-soldier-go/pkg/log"
	zviper "github.com/lk2023060901/paper-soldier-go/pkg/util/viper"
)

const (
	envPrefix         = "PAPER_SOLDIER"
	envConfigFilePath = "PAPER_SOLDIER_CONFIG_FILE_PATH"
	defaultConfigPath = "./config.yaml"
)

// Config 为进程配置文件的完整结构。
//
// Example:
//
//	server:
//	  listen: 0.0.0.0:9000
//	  path: /ws
//	  flavor: default
//	  tick-resolution: 100ms
//	metrics:
//	  listen: 0.0.0.0:9100
//	arguments:
//	  example_arg1: hello
//	  example_arg2: 42
//	flags:
//	  example_arg3: true
type Config struct {
	Server    ServerConfig           `mapstructure:"server"`
	Metrics   MetricsConfig          `mapstructure:"metrics"`
	Arguments map[string]any         `mapstructure:"arguments"`
	Flags     map[string]bool        `mapstructure:"flags"`
	Logging   map[string]zlog.Config `mapstructure:"logging"`
	Lobby     lobby.Config           `mapstructure:"lobby"`
}

// ServerConfig 为 server 段，连接相关字段直接展开在同一层级。
type ServerConfig struct {
	Listen          string        `mapstructure:"listen"`
	Flavor          string        `mapstructure:"flavor"`
	TickResolution  time.Duration `mapstructure:"tick-resolution"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`

	// ListenAttempts 为监听端口的最多尝试次数，端口被占用时按 ListenRetryInterval 起步指数退避。
	ListenAttempts      uint          `mapstructure:"listen-attempts"`
	ListenRetryInterval time.Duration `mapstructure:"listen-retry-interval"`

	Acceptor acceptor.Config `mapstructure:",squash"`
}

// MetricsConfig 为 metrics 段，Listen 为空时不启动指标服务。
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// DefaultConfig 返回配置文件缺省字段的取值。
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen:          "0.0.0.0:9000",
			Flavor:          server.DefaultFlavor,
			TickResolution:  100 * time.Millisecond,
			ShutdownTimeout: 10 * time.Second,

			ListenAttempts:      5,
			ListenRetryInterval: 500 * time.Millisecond,

			Acceptor: acceptor.DefaultConfig(),
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Lobby: lobby.DefaultConfig(),
	}
}

// Validate 校验配置。
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("server.listen is required")
	}
	if c.Server.TickResolution <= 0 {
		return errors.Newf("server.tick-resolution must be positive, got %s", c.Server.TickResolution)
	}
	return c.Lobby.Validate()
}

// resolveConfigPath 按以下优先级确定配置文件路径：
//  1. 默认值 ./config.yaml
//  2. 环境变量 PAPER_SOLDIER_CONFIG_FILE_PATH
//  3. 命令行 --config <path> 或 --config=<path>
func resolveConfigPath(args []string, getenv func(string) string) (string, error) {
	configPath := defaultConfigPath
	if envPath := strings.TrimSpace(getenv(envConfigFilePath)); envPath != "" {
		configPath = envPath
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return "", errors.New("missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if val, ok := strings.CutPrefix(arg, "--config="); ok && val != "" {
			configPath = val
		}
	}
	return configPath, nil
}

// LoadConfig 解析配置文件路径并加载配置，环境变量 PAPER_SOLDIER_<SECTION>_<KEY> 可覆盖文件中的值。
func LoadConfig(args []string) (*Config, string, error) {
	path, err := resolveConfigPath(args, os.Getenv)
	if err != nil {
		return nil, "", err
	}

	raw := zviper.New()
	raw.BindEnv(envPrefix)
	if err := raw.LoadFile(path); err != nil {
		return nil, path, errors.Wrapf(err, "failed to load config file %q", path)
	}

	cfg := DefaultConfig()
	if err := raw.Unmarshal(&cfg); err != nil {
		return nil, path, errors.Wrapf(err, "failed to decode config file %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	return &cfg, path, nil
}
