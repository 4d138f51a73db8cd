package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var (
	cfg  *Config
	once sync.Once
	mu   sync.RWMutex
)

// EnvPrefix prefixes environment overrides, e.g. MAILPROC_IMAP_HOST.
const EnvPrefix = "MAILPROC"

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	IMAP     MailboxConfig  `mapstructure:"imap"`
	POP3     MailboxConfig  `mapstructure:"pop3"`
	SMTP     SMTPConfig     `mapstructure:"smtp"`
	SES      SESConfig      `mapstructure:"ses"`
	File     FileConfig     `mapstructure:"file"`
	Outbound OutboundConfig `mapstructure:"outbound"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Routes   RoutesConfig   `mapstructure:"routes"`
	Poll     PollConfig     `mapstructure:"poll"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type AppConfig struct {
	Name   string `mapstructure:"name"`
	Debug  bool   `mapstructure:"debug"`
	TmpDir string `mapstructure:"tmp_dir"`
}

// MailboxConfig describes an inbound IMAP or POP3 account.
type MailboxConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	TLS           bool          `mapstructure:"tls"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	CredentialKey string        `mapstructure:"credential_key"`
	Mailbox       string        `mapstructure:"mailbox"`
	Filter        string        `mapstructure:"filter"`
	Delete        bool          `mapstructure:"delete"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	IdleLoop      bool          `mapstructure:"idle_loop"`
}

type SMTPConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	CredentialKey string `mapstructure:"credential_key"`
	AuthType      string `mapstructure:"auth_type"`
	TLS           bool   `mapstructure:"tls"`
	TLSMode       string `mapstructure:"tls_mode"`
	SkipVerify    bool   `mapstructure:"skip_verify"`
	From          string `mapstructure:"from"`
}

type SESConfig struct {
	Region    string `mapstructure:"region"`
	From      string `mapstructure:"from"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Endpoint  string `mapstructure:"endpoint"`
}

type FileConfig struct {
	InboxDir  string `mapstructure:"inbox_dir"`
	OutboxDir string `mapstructure:"outbox_dir"`
	Delete    bool   `mapstructure:"delete"`
}

type OutboundConfig struct {
	Transport string `mapstructure:"transport"`
}

type DatabaseConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

type RoutesConfig struct {
	Manifest string `mapstructure:"manifest"`
}

type PollConfig struct {
	Schedule  string        `mapstructure:"schedule"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Transport string        `mapstructure:"transport"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mailproc")
	v.SetDefault("app.tmp_dir", "/tmp")
	v.SetDefault("imap.port", 993)
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.filter", "(UNSEEN)")
	v.SetDefault("imap.dial_timeout", 30*time.Second)
	v.SetDefault("imap.idle_timeout", 8*time.Minute)
	v.SetDefault("imap.idle_loop", true)
	v.SetDefault("pop3.port", 995)
	v.SetDefault("pop3.tls", true)
	v.SetDefault("pop3.filter", "(UNSEEN)")
	v.SetDefault("pop3.dial_timeout", 30*time.Second)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.tls_mode", "starttls")
	v.SetDefault("smtp.auth_type", "plain")
	v.SetDefault("ses.region", "us-east-1")
	v.SetDefault("outbound.transport", "smtp")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "mailproc.db")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.dedupe_ttl", 24*time.Hour)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("poll.schedule", "*/60 * * * * *")
	v.SetDefault("poll.timeout", 2*time.Minute)
	v.SetDefault("poll.transport", "imap")
	v.SetDefault("logging.level", "info")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load initializes the configuration with hot reload support
func Load(configPath string) error {
	var err error
	once.Do(func() {
		v := newViper()

		// Load default configuration
		v.SetConfigName("default")
		v.AddConfigPath(configPath)
		if err = v.ReadInConfig(); err != nil {
			err = fmt.Errorf("failed to read default config: %w", err)
			return
		}

		// Local overrides (optional)
		v.SetConfigName("config")
		if err = v.MergeInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				err = fmt.Errorf("failed to merge config: %w", err)
				return
			}
			err = nil
		}

		var loaded *Config
		if loaded, err = decode(v); err != nil {
			return
		}
		set(loaded)

		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("config: file changed: %s", e.Name)
			newCfg, err := decode(v)
			if err != nil {
				log.Printf("config: reload failed: %v", err)
				return
			}
			set(newCfg)
			log.Printf("config: reloaded")
		})
	})

	return err
}

// LoadFromFile loads configuration from a specific file (useful for testing
// and the --config flag). Defaults fill anything the file omits.
func LoadFromFile(configFile string) error {
	v := newViper()
	v.SetConfigFile(configFile)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	loaded, err := decode(v)
	if err != nil {
		return err
	}
	set(loaded)
	return nil
}

// Defaults returns a Config built from defaults and the environment only.
func Defaults() (*Config, error) {
	return decode(newViper())
}

func set(c *Config) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// GetRedisAddr returns the Redis server address
func (c *RedisConfig) GetRedisAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DebugEnabled reports whether debug lines should be written.
func (c *Config) DebugEnabled() bool {
	return c.App.Debug || strings.EqualFold(c.Logging.Level, "debug")
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}
