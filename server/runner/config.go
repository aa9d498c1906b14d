package runner

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

type Configs struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Runner    struct {
		ClaimLimit      int           `yaml:"claim_limit"`
		MaxRetries      int           `yaml:"max_retries"`
		MaxConcurrency  int           `yaml:"max_concurrency"`
		StuckAfter      time.Duration `yaml:"stuck_after"`
		Retention       time.Duration `yaml:"retention"`
		TickSchedule    string        `yaml:"tick_schedule"`
		HealthSchedule  string        `yaml:"health_schedule"`
		CleanupSchedule string        `yaml:"cleanup_schedule"`
		Backoff         struct {
			Min    time.Duration `yaml:"min"`
			Max    time.Duration `yaml:"max"`
			Factor float64       `yaml:"factor"`
			Jitter bool          `yaml:"jitter"`
		}
	}
	HTTP struct {
		Port           int    `yaml:"port"`
		CronSecret     string `yaml:"cron_secret"`
		APIKey         string `yaml:"api_key"`
		BatchImmediate int    `yaml:"batch_immediate"`
	}
	Store struct {
		Driver string `yaml:"driver"`
		// Seed is a JSON file of workflows, patients and appointments loaded
		// into the memory store.
		Seed string `yaml:"seed"`
	}
	DB struct {
		Postgres struct {
			DSN          string `yaml:"dsn"`
			Username     string `yaml:"username"`
			Password     string `yaml:"password"`
			Port         int    `yaml:"port"`
			URI          string `yaml:"uri"`
			DatabaseName string `yaml:"databaseName"`
		}
	}
	Nats struct {
		URL            string `yaml:"url"`
		Name           string `yaml:"name"`
		ReconnectWait  int    `yaml:"reconnect_wait"`
		MaxReconnects  int    `yaml:"max_reconnect"`
		RequestTimeout int    `yaml:"request_timeout"`
	}
	Redis struct {
		Host     string        `yaml:"host"`
		Port     string        `yaml:"port"`
		Password string        `yaml:"password"`
		StatsTTL time.Duration `yaml:"stats_ttl"`
	}
}

func DefaultConfigs() *Configs {
	c := &Configs{}
	c.applyDefaults()
	return c
}

func (c *Configs) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	r := &c.Runner
	if r.ClaimLimit <= 0 {
		r.ClaimLimit = 10
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = 3
	}
	if r.MaxConcurrency <= 0 {
		r.MaxConcurrency = 5
	}
	if r.StuckAfter <= 0 {
		r.StuckAfter = 10 * time.Minute
	}
	if r.Retention <= 0 {
		r.Retention = 24 * time.Hour
	}
	if r.TickSchedule == "" {
		r.TickSchedule = "@minutely"
	}
	if r.HealthSchedule == "" {
		r.HealthSchedule = "@every 5m"
	}
	if r.CleanupSchedule == "" {
		r.CleanupSchedule = "@hourly"
	}
	if r.Backoff.Min <= 0 {
		r.Backoff.Min = time.Second
	}
	if r.Backoff.Max <= 0 {
		r.Backoff.Max = time.Minute
	}
	if r.Backoff.Factor <= 0 {
		r.Backoff.Factor = 2
		r.Backoff.Jitter = true
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.BatchImmediate <= 0 {
		c.HTTP.BatchImmediate = 20
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "postgres"
	}
	if c.Nats.Name == "" {
		c.Nats.Name = "careflow"
	}
	if c.Nats.ReconnectWait <= 0 {
		c.Nats.ReconnectWait = 2
	}
	if c.Nats.MaxReconnects <= 0 {
		c.Nats.MaxReconnects = 10
	}
	if c.Nats.RequestTimeout <= 0 {
		c.Nats.RequestTimeout = 10
	}
	if c.Redis.StatsTTL <= 0 {
		c.Redis.StatsTTL = 5 * time.Second
	}
}

// PostgresDSN returns db.postgres.dsn, or builds one from the discrete
// connection fields.
func (c *Configs) PostgresDSN() string {
	pg := c.DB.Postgres
	if pg.DSN != "" || pg.URI == "" {
		return pg.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		pg.URI,
		pg.Port,
		pg.Username,
		pg.Password,
		pg.DatabaseName,
	)
}

func (c *Configs) QueueConfig() QueueConfig {
	return QueueConfig{
		ClaimLimit:     c.Runner.ClaimLimit,
		MaxRetries:     c.Runner.MaxRetries,
		MaxConcurrency: c.Runner.MaxConcurrency,
		StuckAfter:     c.Runner.StuckAfter,
		Retention:      c.Runner.Retention,
		Backoff: BackoffConfig{
			Min:    c.Runner.Backoff.Min,
			Max:    c.Runner.Backoff.Max,
			Factor: c.Runner.Backoff.Factor,
			Jitter: c.Runner.Backoff.Jitter,
		},
	}
}

func SetConfig(f string) (*Configs, error) {
	config := &Configs{}
	file, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	err = GetYaml(file, config)
	if err != nil {
		return nil, err
	}
	config.applyDefaults()
	return config, nil
}

func GetYaml(f []byte, s interface{}) error {
	y := yaml.Unmarshal(f, s)
	return y
}

// overrides maps config keys to the env variable and flag that may set them.
var overrides = []struct {
	key  string
	env  string
	flag string
	set  func(c *Configs, v *viper.Viper, key string)
}{
	{"cron_secret", "CRON_SECRET", "cron-secret", func(c *Configs, v *viper.Viper, k string) { c.HTTP.CronSecret = v.GetString(k) }},
	{"api_key", "CAREFLOW_API_KEY", "api-key", func(c *Configs, v *viper.Viper, k string) { c.HTTP.APIKey = v.GetString(k) }},
	{"database_url", "DATABASE_URL", "database-url", func(c *Configs, v *viper.Viper, k string) { c.DB.Postgres.DSN = v.GetString(k) }},
	{"log_level", "LOG_LEVEL", "log-level", func(c *Configs, v *viper.Viper, k string) { c.LogLevel = v.GetString(k) }},
	{"store", "CAREFLOW_STORE", "store", func(c *Configs, v *viper.Viper, k string) { c.Store.Driver = v.GetString(k) }},
	{"seed", "CAREFLOW_SEED", "seed", func(c *Configs, v *viper.Viper, k string) { c.Store.Seed = v.GetString(k) }},
	{"port", "PORT", "port", func(c *Configs, v *viper.Viper, k string) { c.HTTP.Port = v.GetInt(k) }},
	{"nats_url", "NATS_URL", "nats-url", func(c *Configs, v *viper.Viper, k string) { c.Nats.URL = v.GetString(k) }},
}

// LoadConfig reads file (optional), then applies environment variables and
// changed flags on top. A .env file in the working directory is loaded first
// when present.
func LoadConfig(file string, flags *pflag.FlagSet) (*Configs, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	config := DefaultConfigs()
	if file != "" {
		c, err := SetConfig(file)
		if err != nil {
			return nil, err
		}
		config = c
	}

	v := viper.New()
	for _, o := range overrides {
		if err := v.BindEnv(o.key, o.env); err != nil {
			return nil, err
		}
		if flags == nil {
			continue
		}
		if f := flags.Lookup(o.flag); f != nil {
			if err := v.BindPFlag(o.key, f); err != nil {
				return nil, err
			}
		}
	}
	for _, o := range overrides {
		if v.IsSet(o.key) {
			o.set(config, v, o.key)
		}
	}
	return config, nil
}

// RegisterFlags adds the overridable settings to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("cron-secret", "", "shared secret required by the cron tick endpoint")
	fs.String("api-key", "", "API key required by operator routes")
	fs.String("database-url", "", "postgres connection string")
	fs.String("log-level", "", "log level (debug, info, warn, error)")
	fs.String("store", "", "store driver: postgres or memory")
	fs.String("seed", "", "seed file for the memory store")
	fs.Int("port", 0, "HTTP port")
	fs.String("nats-url", "", "NATS url of the messaging gateway")
}
