// Package config loads process configuration from defaults, an optional YAML
// file and MERCHANT_HUB_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override; dots become underscores.
const EnvPrefix = "MERCHANT_HUB"

// Config is the full process configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Lease      LeaseConfig      `mapstructure:"lease"`
	Poll       PollConfig       `mapstructure:"poll"`
	Stream     StreamConfig     `mapstructure:"stream"`
	Accounts   AccountsConfig   `mapstructure:"accounts"`
	Currencies []CurrencyConfig `mapstructure:"currencies"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type StoreConfig struct {
	Driver    string      `mapstructure:"driver"`
	Namespace string      `mapstructure:"namespace"`
	Redis     RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LedgerConfig is the SQL Server connection for the ledger source.
type LedgerConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	Encrypt  string `mapstructure:"encrypt"`
}

type LeaseConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	RenewInterval   time.Duration `mapstructure:"renewInterval"`
	AcquireInterval time.Duration `mapstructure:"acquireInterval"`
	CandidateID     string        `mapstructure:"candidateId"`
}

type PollConfig struct {
	FastInterval     time.Duration `mapstructure:"fastInterval"`
	SlowInterval     time.Duration `mapstructure:"slowInterval"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeatTimeout"`
	CycleTimeout     time.Duration `mapstructure:"cycleTimeout"`
	PageSize         int           `mapstructure:"pageSize"`
	BlockWindow      int64         `mapstructure:"blockWindow"`
}

type StreamConfig struct {
	Group         string        `mapstructure:"group"`
	IdleThreshold time.Duration `mapstructure:"idleThreshold"`
	MaxLen        int64         `mapstructure:"maxLen"`
}

type AccountsConfig struct {
	Path string `mapstructure:"path"`
}

// CurrencyConfig names where one currency is read from.
type CurrencyConfig struct {
	Symbol      string `mapstructure:"symbol"`
	Source      string `mapstructure:"source"`
	MessageType string `mapstructure:"messageType"`
	Contract    string `mapstructure:"contract"`
	Action      string `mapstructure:"action"`
}

// SetDefaults registers every key so environment overrides apply to it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8085")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.namespace", "hub")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("ledger.host", "vip.hivesql.io")
	v.SetDefault("ledger.port", "1433")
	v.SetDefault("ledger.user", "")
	v.SetDefault("ledger.password", "")
	v.SetDefault("ledger.database", "DBHive")
	v.SetDefault("ledger.encrypt", "true")
	v.SetDefault("lease.ttl", 30*time.Second)
	v.SetDefault("lease.renewInterval", 10*time.Second)
	v.SetDefault("lease.acquireInterval", 5*time.Second)
	v.SetDefault("lease.candidateId", "")
	v.SetDefault("poll.fastInterval", 3*time.Second)
	v.SetDefault("poll.slowInterval", 60*time.Second)
	v.SetDefault("poll.heartbeatTimeout", 30*time.Second)
	v.SetDefault("poll.cycleTimeout", 10*time.Second)
	v.SetDefault("poll.pageSize", 100)
	v.SetDefault("poll.blockWindow", 1200)
	v.SetDefault("stream.group", "spokes")
	v.SetDefault("stream.idleThreshold", 60*time.Second)
	v.SetDefault("stream.maxLen", 10000)
	v.SetDefault("accounts.path", "conf/accounts.yaml")
	v.SetDefault("currencies", []map[string]any{
		{"symbol": "HBD", "source": "transfers"},
		{"symbol": "EURO", "source": "messages", "messageType": "ssc-mainnet-hive", "contract": "tokens", "action": "transfer"},
	})
}

// Load reads configuration into v and returns it validated. path may be
// empty to skip the file.
func Load(v *viper.Viper, path string) (Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Lease.CandidateID == "" {
		cfg.Lease.CandidateID = DefaultCandidateID()
	}
	for i := range cfg.Currencies {
		cfg.Currencies[i].Symbol = strings.ToUpper(strings.TrimSpace(cfg.Currencies[i].Symbol))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultCandidateID is hostname plus a short random suffix, unique per process.
func DefaultCandidateID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "merchant-hub"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "redis":
		if c.Store.Redis.Addr == "" {
			errs = append(errs, errors.New("store.redis.addr is required for the redis driver"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of redis, memory", c.Store.Driver))
	}
	if c.Lease.TTL <= 0 {
		errs = append(errs, errors.New("lease.ttl must be positive"))
	}
	if c.Lease.RenewInterval <= 0 || c.Lease.RenewInterval >= c.Lease.TTL {
		errs = append(errs, errors.New("lease.renewInterval must be positive and below lease.ttl"))
	}
	if c.Lease.AcquireInterval <= 0 {
		errs = append(errs, errors.New("lease.acquireInterval must be positive"))
	}
	if c.Poll.FastInterval <= 0 || c.Poll.SlowInterval <= 0 {
		errs = append(errs, errors.New("poll.fastInterval and poll.slowInterval must be positive"))
	}
	if c.Poll.HeartbeatTimeout <= c.Poll.FastInterval {
		errs = append(errs, errors.New("poll.heartbeatTimeout must exceed poll.fastInterval"))
	}
	if c.Poll.CycleTimeout <= 0 {
		errs = append(errs, errors.New("poll.cycleTimeout must be positive"))
	}
	if c.Poll.PageSize <= 0 {
		errs = append(errs, errors.New("poll.pageSize must be positive"))
	}
	if c.Stream.Group == "" {
		errs = append(errs, errors.New("stream.group is required"))
	}
	if c.Stream.IdleThreshold <= 0 {
		errs = append(errs, errors.New("stream.idleThreshold must be positive"))
	}
	if c.Accounts.Path == "" {
		errs = append(errs, errors.New("accounts.path is required"))
	}
	if len(c.Currencies) == 0 {
		errs = append(errs, errors.New("at least one currency is required"))
	}
	for i, cur := range c.Currencies {
		if cur.Symbol == "" {
			errs = append(errs, fmt.Errorf("currencies[%d].symbol is required", i))
		}
		switch cur.Source {
		case "transfers":
		case "messages":
			if cur.MessageType == "" || cur.Contract == "" || cur.Action == "" {
				errs = append(errs, fmt.Errorf("currencies[%d]: messageType, contract and action are required", i))
			}
		default:
			errs = append(errs, fmt.Errorf("currencies[%d].source %q is not one of transfers, messages", i, cur.Source))
		}
	}
	return errors.Join(errs...)
}
