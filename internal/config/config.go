package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Store drivers understood by storage.Open.
const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port           int           `mapstructure:"port"`
		AllowedOrigins []string      `mapstructure:"allowedOrigins"`
		ReadTimeout    time.Duration `mapstructure:"readTimeout"`
		WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
		MaxImportBytes int64         `mapstructure:"maxImportBytes"`
	} `mapstructure:"server"`
	Store   StoreConfig `mapstructure:"store"`
	Filters FilterConfig `mapstructure:"filters"`
	NATS    struct {
		URL     string             `mapstructure:"url"`
		Enabled bool               `mapstructure:"enabled"`
		Leads   ConsumerNatsConfig `mapstructure:"leads"`
	} `mapstructure:"nats"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	WorkerPools struct {
		Ingestion WorkerPoolConfig `mapstructure:"ingestion"`
	} `mapstructure:"workerPools"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver              string        `mapstructure:"driver"` // postgres | mongo | memory
	PostgresDSN         string        `mapstructure:"postgresDSN"`
	PostgresAutoMigrate bool          `mapstructure:"postgresAutoMigrate"`
	MongoURI            string        `mapstructure:"mongoURI"`
	MongoDatabase       string        `mapstructure:"mongoDatabase"`
	Collection          string        `mapstructure:"collection"`
	DualWrite           bool          `mapstructure:"dualWrite"` // also write the upper-case legacy field names
	OpTimeout           time.Duration `mapstructure:"opTimeout"`
}

// FilterConfig controls how much filtering is delegated to the store.
type FilterConfig struct {
	PushDown     bool `mapstructure:"pushDown"`
	DefaultLimit int  `mapstructure:"defaultLimit"`
	MaxLimit     int  `mapstructure:"maxLimit"`
}

// WorkerPoolConfig holds configuration for an ants worker pool
type WorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`   // Number of workers
	QueueSize  int           `mapstructure:"queueSize"`  // Max tasks blocked waiting for a worker
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // Idle worker expiry time
}

// ConsumerNatsConfig holds configuration specific to a NATS consumer
type ConsumerNatsConfig struct {
	MaxAge       int64         `mapstructure:"maxAge"` // max age of messages in days
	Stream       string        `mapstructure:"stream"`
	Consumer     string        `mapstructure:"consumer"` // durable name
	QueueGroup   string        `mapstructure:"group"`
	SubjectList  []string      `mapstructure:"subjectList"`
	MaxDeliver   int           `mapstructure:"maxDeliver"`
	AckWait      time.Duration `mapstructure:"ackWait"`
	NakBaseDelay time.Duration `mapstructure:"nakBaseDelay"` // Base delay for exponential backoff NAK
	NakMaxDelay  time.Duration `mapstructure:"nakMaxDelay"`  // Maximum delay for exponential backoff NAK
}

// LoadConfig reads configuration from a .env file, a config file and
// environment variables, in increasing order of precedence.
func LoadConfig(path string) (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.readTimeout", 15*time.Second)
	v.SetDefault("server.writeTimeout", 60*time.Second)
	v.SetDefault("server.maxImportBytes", 20<<20)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("store.driver", DriverPostgres)
	v.SetDefault("store.postgresAutoMigrate", true)
	v.SetDefault("store.mongoDatabase", "leads")
	v.SetDefault("store.collection", "leads")
	v.SetDefault("store.dualWrite", true)
	v.SetDefault("store.opTimeout", 10*time.Second)

	v.SetDefault("filters.pushDown", true)
	v.SetDefault("filters.defaultLimit", 500)
	v.SetDefault("filters.maxLimit", 5000)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.leads.maxAge", 7)
	v.SetDefault("nats.leads.stream", "LEADS")
	v.SetDefault("nats.leads.consumer", "lead-capture")
	v.SetDefault("nats.leads.group", "lead-capture")
	v.SetDefault("nats.leads.subjectList", []string{"v1.leads.>"})
	v.SetDefault("nats.leads.maxDeliver", 5)
	v.SetDefault("nats.leads.ackWait", 30*time.Second)
	v.SetDefault("nats.leads.nakBaseDelay", time.Second)
	v.SetDefault("nats.leads.nakMaxDelay", 2*time.Minute)

	v.SetDefault("workerPools.ingestion.poolSize", 10)
	v.SetDefault("workerPools.ingestion.queueSize", 1000)
	v.SetDefault("workerPools.ingestion.expiryTime", time.Minute)

	v.SetConfigName("default")
	v.SetConfigType("yaml")

	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.lead-capture-service")
	v.AddConfigPath("/etc/lead-capture-service")

	if err := v.ReadInConfig(); err != nil {
		// It's ok if config file is not found, we'll use env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvs(v, Config{})

	// Read directly from ENV for critical values
	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("store.postgresDSN", dsn)
	}
	if uri := os.Getenv("MONGO_URI"); uri != "" {
		v.Set("store.mongoURI", uri)
	}
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		v.Set("store.driver", driver)
	}
	if lgLevel := os.Getenv("LOG_LEVEL"); lgLevel != "" {
		v.Set("logLevel", lgLevel)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgresDSN is required for driver %q", c.Store.Driver)
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongoURI is required for driver %q", c.Store.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Filters.DefaultLimit <= 0 || c.Filters.MaxLimit < c.Filters.DefaultLimit {
		return fmt.Errorf("filters: defaultLimit must be positive and not exceed maxLimit")
	}
	return nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		key := strings.Join(path, ".")

		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}

		_ = v.BindEnv(key)
	}
}
