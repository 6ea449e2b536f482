package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// EnvPath - переменная окружения с путём к YAML-конфигу роутера.
const EnvPath = "KVROUTER_CONFIG"

const DefaultPath = "config.yaml"

// Config - корневая структура конфигурации роутера
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Server    ServerConfig    `yaml:"http-server"`
	Directory DirectoryConfig `yaml:"directory"`
	Health    HealthConfig    `yaml:"health"`
	Router    RouterConfig    `yaml:"router"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type DirectoryConfig struct {
	// HashSeed = 0 даёт чистый FNV-1a
	HashSeed uint64 `yaml:"hash_seed"`
}

type HealthConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
	// ProbeInterval = 0 выключает активные пробы
	ProbeInterval   time.Duration `yaml:"probe_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	TrackOnRegister bool          `yaml:"track_on_register"`
}

type RouterConfig struct {
	LeaderProbeTimeout time.Duration `yaml:"leader_probe_timeout"`
	ForwardTimeout     time.Duration `yaml:"forward_timeout"`
}

type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	Root           string        `yaml:"root"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

func (z ZooKeeperConfig) Enabled() bool { return len(z.Servers) > 0 }

// Default returns a baseline development config.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "INFO",
			JSON:  false,
		},
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Health: HealthConfig{
			SweepInterval:   15 * time.Second,
			StaleThreshold:  30 * time.Second,
			ProbeTimeout:    time.Second,
			TrackOnRegister: true,
		},
		Router: RouterConfig{
			LeaderProbeTimeout: 2 * time.Second,
			ForwardTimeout:     2 * time.Second,
		},
		ZooKeeper: ZooKeeperConfig{
			Root:           "/kvrouter",
			SessionTimeout: 5 * time.Second,
		},
	}
}

// PathFromEnv возвращает путь из KVROUTER_CONFIG или DefaultPath.
func PathFromEnv() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load читает YAML поверх Default(). Если файла нет, возвращается Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Info("config file not found, using default config", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate возвращает все найденные ошибки сразу.
func (c Config) Validate() error {
	var errs []error

	if _, err := c.Logger.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("http-server.port %d out of range", c.Server.Port))
	}

	positive := []struct {
		name string
		d    time.Duration
	}{
		{"http-server.read_header_timeout", c.Server.ReadHeaderTimeout},
		{"http-server.shutdown_timeout", c.Server.ShutdownTimeout},
		{"health.sweep_interval", c.Health.SweepInterval},
		{"health.stale_threshold", c.Health.StaleThreshold},
		{"health.probe_timeout", c.Health.ProbeTimeout},
		{"router.leader_probe_timeout", c.Router.LeaderProbeTimeout},
		{"router.forward_timeout", c.Router.ForwardTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.Health.ProbeInterval < 0 {
		errs = append(errs, errors.New("health.probe_interval must not be negative"))
	}
	// иначе нода может быть выселена, не пропустив ни одного heartbeat
	if c.Health.StaleThreshold <= c.Health.SweepInterval {
		errs = append(errs, fmt.Errorf("health.stale_threshold (%s) must exceed health.sweep_interval (%s)",
			c.Health.StaleThreshold, c.Health.SweepInterval))
	}

	if c.ZooKeeper.Enabled() {
		if !strings.HasPrefix(c.ZooKeeper.Root, "/") {
			errs = append(errs, fmt.Errorf("zookeeper.root %q must be absolute", c.ZooKeeper.Root))
		}
		if c.ZooKeeper.SessionTimeout <= 0 {
			errs = append(errs, errors.New("zookeeper.session_timeout must be positive"))
		}
	}

	return errors.Join(errs...)
}

// SlogLevel parses Logger.Level (DEBUG, INFO, WARN, ERROR, any case).
func (l LoggerConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logger.level: %w", err)
	}
	return lvl, nil
}
