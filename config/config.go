package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa de predictbot.
type Config struct {
	Market    MarketConfig    `yaml:"market"`
	Storage   StorageConfig   `yaml:"storage"`
	Economies []EconomyConfig `yaml:"economies"`
	Notify    NotifyConfig    `yaml:"notify"`
	Redis     RedisConfig     `yaml:"redis"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// MarketConfig controla los parámetros de los mercados.
type MarketConfig struct {
	InitialLiquidity     int64    `yaml:"initial_liquidity"` // puntos sembrados en cada opción
	MinBet               int64    `yaml:"min_bet"`
	MaxBet               int64    `yaml:"max_bet"` // 0 = sin tope
	RefundGraceHours     int      `yaml:"refund_grace_hours"`
	SweepIntervalSeconds int      `yaml:"sweep_interval_seconds"`
	QuotePoints          int64    `yaml:"quote_points"`
	DefaultEconomy       string   `yaml:"default_economy"`
	NotifyWorkers        int      `yaml:"notify_workers"`
	Admins               []string `yaml:"admins"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// Tipos de economía soportados.
const (
	EconomyLocal  = "local"
	EconomyRemote = "remote"
)

// EconomyConfig describe una economía de puntos.
type EconomyConfig struct {
	Name       string  `yaml:"name"`
	Kind       string  `yaml:"kind"` // local | remote
	BaseURL    string  `yaml:"base_url"`
	Realm      string  `yaml:"realm"`
	APIKey     string  `yaml:"api_key"`
	RatePerSec float64 `yaml:"rate_per_sec"`
}

// NotifyConfig controla los canales de notificación.
type NotifyConfig struct {
	Console  bool           `yaml:"console"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig configura el bot que envía mensajes directos.
type TelegramConfig struct {
	Token      string `yaml:"token"`
	MaxRetries int    `yaml:"max_retries"`
}

// RedisConfig habilita el lock distribuido y el Pub/Sub de eventos. Addr vacío = deshabilitado.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// ServerConfig controla el hub websocket de serve.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}
	return Parse(data)
}

// Parse interpreta el YAML, aplica overrides de entorno y defaults, y valida.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// RefundGrace devuelve el período de gracia como time.Duration.
func (c *Config) RefundGrace() time.Duration {
	return time.Duration(c.Market.RefundGraceHours) * time.Hour
}

// SweepInterval devuelve el intervalo del scheduler como time.Duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Market.SweepIntervalSeconds) * time.Second
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PREDICTBOT_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.Telegram.Token = v
	}
	for i := range cfg.Economies {
		if v := os.Getenv(apiKeyEnv(cfg.Economies[i].Name)); v != "" {
			cfg.Economies[i].APIKey = v
		}
	}
}

// apiKeyEnv: "guild-points" → GUILD_POINTS_API_KEY.
func apiKeyEnv(name string) string {
	upper := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
	return upper + "_API_KEY"
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Market.InitialLiquidity <= 0 {
		cfg.Market.InitialLiquidity = 10000
	}
	if cfg.Market.MinBet <= 0 {
		cfg.Market.MinBet = 1
	}
	if cfg.Market.RefundGraceHours <= 0 {
		cfg.Market.RefundGraceHours = 48
	}
	if cfg.Market.SweepIntervalSeconds <= 0 {
		cfg.Market.SweepIntervalSeconds = 60
	}
	if cfg.Market.QuotePoints <= 0 {
		cfg.Market.QuotePoints = 100
	}
	if cfg.Market.NotifyWorkers <= 0 {
		cfg.Market.NotifyWorkers = 4
	}
	if len(cfg.Economies) == 0 {
		cfg.Economies = []EconomyConfig{{Name: "local", Kind: EconomyLocal}}
	}
	for i := range cfg.Economies {
		if cfg.Economies[i].Kind == "" {
			cfg.Economies[i].Kind = EconomyLocal
		}
	}
	if cfg.Market.DefaultEconomy == "" {
		cfg.Market.DefaultEconomy = cfg.Economies[0].Name
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "predictbot.db"
	}
	if cfg.Notify.Telegram.MaxRetries <= 0 {
		cfg.Notify.Telegram.MaxRetries = 3
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "predictbot"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Economies))
	for _, e := range c.Economies {
		if e.Name == "" {
			return errors.New("economy without name")
		}
		if seen[e.Name] {
			return fmt.Errorf("duplicate economy %q", e.Name)
		}
		seen[e.Name] = true
		switch e.Kind {
		case EconomyLocal:
		case EconomyRemote:
			if e.BaseURL == "" || e.Realm == "" {
				return fmt.Errorf("economy %q: remote needs base_url and realm", e.Name)
			}
		default:
			return fmt.Errorf("economy %q: unknown kind %q", e.Name, e.Kind)
		}
	}
	if !seen[c.Market.DefaultEconomy] {
		return fmt.Errorf("default economy %q is not configured", c.Market.DefaultEconomy)
	}
	if c.Market.MaxBet > 0 && c.Market.MaxBet < c.Market.MinBet {
		return fmt.Errorf("max_bet %d below min_bet %d", c.Market.MaxBet, c.Market.MinBet)
	}
	return nil
}
