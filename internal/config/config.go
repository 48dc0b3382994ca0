// Package config загружает конфигурацию сервисов Cascade.
//
// Порядок: значения по умолчанию, затем YAML-файл (CASCADE_CONFIG),
// затем переменные окружения. Файл .env подхватывается через godotenv
// и не перекрывает уже заданные переменные.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config — конфигурация процессов Cascade.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Broker   BrokerConfig   `yaml:"broker"`
	Ports    PortsConfig    `yaml:"ports"`
	Cascade  CascadeConfig  `yaml:"cascade"`
	Reaper   ReaperConfig   `yaml:"reaper"`
	Registry RegistryConfig `yaml:"registry"`
}

// StoreConfig — хранилище статусов.
type StoreConfig struct {
	Driver     string `yaml:"driver"` // postgres | sqlite | memory
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

// BrokerConfig — RabbitMQ.
type BrokerConfig struct {
	URL string `yaml:"url"`
	// Invoker: local — шаги выполняет процесс API, queue — воркеры через очередь.
	Invoker string `yaml:"invoker"`
}

// PortsConfig — HTTP-порты сервисов.
type PortsConfig struct {
	API    string `yaml:"api"`
	Worker string `yaml:"worker"`
	Reaper string `yaml:"reaper"`
}

// CascadeConfig — тайминги секвенсора и шагов.
type CascadeConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	SettleDelay  time.Duration `yaml:"settle_delay"`
	StepTimeout  time.Duration `yaml:"step_timeout"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

// ReaperConfig — обход зависших запусков.
type ReaperConfig struct {
	Schedule string        `yaml:"schedule"`
	Grace    time.Duration `yaml:"grace"`
}

// RegistryConfig — реестр шагов и скрипты.
type RegistryConfig struct {
	StepsFile  string `yaml:"steps_file"`
	ScriptsDir string `yaml:"scripts_dir"`
}

const (
	InvokerLocal = "local"
	InvokerQueue = "queue"
)

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:     "postgres",
			SQLitePath: "cascade.db",
		},
		Broker: BrokerConfig{
			Invoker: InvokerLocal,
		},
		Ports: PortsConfig{
			API:    "8080",
			Worker: "8082",
			Reaper: "8081",
		},
		Cascade: CascadeConfig{
			PollInterval: 2 * time.Second,
			SettleDelay:  2 * time.Second,
			StepTimeout:  10 * time.Minute,
			MaxWait:      15 * time.Minute,
		},
		Reaper: ReaperConfig{
			Schedule: "* * * * *",
			Grace:    time.Minute,
		},
		Registry: RegistryConfig{
			ScriptsDir: "scripts",
		},
	}
}

// Load читает .env, YAML-файл из CASCADE_CONFIG и переменные окружения.
func Load() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("CASCADE_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyYAML накладывает YAML поверх текущих значений:
// отсутствующие в файле поля не меняются.
func (c *Config) applyYAML(data []byte) error {
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"STORE_DRIVER": &c.Store.Driver,
		"DB_URL":       &c.Store.DSN,
		"SQLITE_PATH":  &c.Store.SQLitePath,
		"RABBITMQ_URL": &c.Broker.URL,
		"INVOKER":      &c.Broker.Invoker,
		"API_PORT":     &c.Ports.API,
		"WORKER_PORT":  &c.Ports.Worker,
		"REAPER_PORT":  &c.Ports.Reaper,
		"REAPER_CRON":  &c.Reaper.Schedule,
		"STEPS_FILE":   &c.Registry.StepsFile,
		"SCRIPTS_DIR":  &c.Registry.ScriptsDir,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"POLL_INTERVAL": &c.Cascade.PollInterval,
		"SETTLE_DELAY":  &c.Cascade.SettleDelay,
		"STEP_TIMEOUT":  &c.Cascade.StepTimeout,
		"MAX_WAIT":      &c.Cascade.MaxWait,
		"REAPER_GRACE":  &c.Reaper.Grace,
	}
	var result *multierror.Error
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", key, err))
			continue
		}
		*dst = d
	}
	return result.ErrorOrNil()
}

// parseDuration принимает "2s", "15m" или число секунд.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate проверяет согласованность значений.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	switch c.Broker.Invoker {
	case InvokerLocal:
	case InvokerQueue:
		if c.Store.Driver == "memory" {
			return errors.New("queue invoker needs a shared store, memory driver is process-local")
		}
	default:
		return fmt.Errorf("unknown invoker: %q", c.Broker.Invoker)
	}

	if c.Cascade.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.Cascade.StepTimeout <= 0 {
		return errors.New("step timeout must be positive")
	}
	if c.Cascade.MaxWait <= 0 {
		return errors.New("max wait must be positive")
	}
	return nil
}

// Addr — адрес для http.Server из номера порта.
func Addr(port string) string {
	return ":" + port
}
