package configuration

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/telemetry-sdk/pkg/logging"
)

const Production = "production"

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	SenderHTTP     = "http"
	SenderKafka    = "kafka"
	SenderEventBus = "eventbus"
)

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

// LoadEnv loads the env files that exist, looking in the working directory first
// and then in the nearest directory holding a go.mod.
func LoadEnv(envFiles []string) (int, error) {
	root := moduleRoot()
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		switch {
		case fs.FileExists(file):
			existing = append(existing, file)
		case root != "" && !filepath.IsAbs(file) && fs.FileExists(filepath.Join(root, file)):
			existing = append(existing, filepath.Join(root, file))
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

func moduleRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if fs.FileExists(filepath.Join(dir, "go.mod")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"telemetry"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type DeliveryOptions struct {
	RetryDeadline    time.Duration `env:"DELIVERY_RETRY_DEADLINE" envDefault:"60s"`
	RetentionHorizon time.Duration `env:"DELIVERY_RETENTION_HORIZON" envDefault:"4320h"`
	FetchLimit       int           `env:"DELIVERY_FETCH_LIMIT" envDefault:"20"`
	PollInterval     time.Duration `env:"DELIVERY_POLL_INTERVAL" envDefault:"30s"`
	SendTimeout      time.Duration `env:"DELIVERY_SEND_TIMEOUT" envDefault:"30s"`
	// SyncTimeout is the default wait for synchronous tracking requests.
	SyncTimeout    time.Duration `env:"DELIVERY_SYNC_TIMEOUT" envDefault:"5s"`
	StartSuspended bool          `env:"DELIVERY_START_SUSPENDED" envDefault:"false"`
	ClassifierPath string        `env:"DELIVERY_CLASSIFIER_PATH"`
	LogBodyMaxLen  int           `env:"DELIVERY_LOG_BODY_MAX_LEN" envDefault:"512"`

	VisitSessionTimeout time.Duration `env:"DELIVERY_VISIT_SESSION_TIMEOUT" envDefault:"30m"`
}

func (d *DeliveryOptions) Validate() error {
	if d.RetryDeadline < 0 {
		return fmt.Errorf("DELIVERY_RETRY_DEADLINE must be non-negative, got %s", d.RetryDeadline)
	}
	if d.RetentionHorizon <= 0 {
		return fmt.Errorf("DELIVERY_RETENTION_HORIZON must be positive, got %s", d.RetentionHorizon)
	}
	if d.FetchLimit < 0 {
		return fmt.Errorf("DELIVERY_FETCH_LIMIT must be non-negative, got %d", d.FetchLimit)
	}
	if d.SyncTimeout <= 0 {
		return fmt.Errorf("DELIVERY_SYNC_TIMEOUT must be positive, got %s", d.SyncTimeout)
	}
	return nil
}

type StoreOptions struct {
	Driver     string `env:"STORE_DRIVER" envDefault:"sqlite"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/delivery.db"`
	// Table is the postgres table, optionally schema-qualified.
	Table string `env:"STORE_TABLE" envDefault:"public.delivery_events"`
}

type SenderOptions struct {
	Kind            string        `env:"SENDER_KIND" envDefault:"http"`
	CollectorURL    string        `env:"COLLECTOR_URL" envDefault:"http://localhost:8080/v1/events"`
	CollectorAPIKey string        `env:"COLLECTOR_API_KEY"`
	KafkaBrokers    []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic      string        `env:"KAFKA_TOPIC" envDefault:"telemetry.events"`
	KafkaTimeout    time.Duration `env:"KAFKA_WRITE_TIMEOUT" envDefault:"10s"`
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"deliveryd"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

type RateLimitOptions struct {
	Enabled   bool   `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	GlobalRPS int    `env:"RATE_LIMIT_GLOBAL_RPS" envDefault:"1000"`
	Storage   string `env:"RATE_LIMIT_STORAGE" envDefault:"memory"` // memory or redis
	RedisURL  string `env:"RATE_LIMIT_REDIS_URL"`
}

// Validate checks the rate limit configuration for errors
func (r *RateLimitOptions) Validate() error {
	if r.GlobalRPS < 0 {
		return fmt.Errorf("rate limit GlobalRPS must be non-negative, got %d", r.GlobalRPS)
	}
	if r.GlobalRPS > 1000000 {
		return fmt.Errorf("rate limit GlobalRPS too high, maximum is 1,000,000, got %d", r.GlobalRPS)
	}
	if r.Storage != "memory" && r.Storage != "redis" {
		return fmt.Errorf("rate limit Storage must be 'memory' or 'redis', got '%s'", r.Storage)
	}
	if r.Storage == "redis" && r.RedisURL == "" {
		return fmt.Errorf("rate limit RedisURL is required when Storage is 'redis'")
	}
	return nil
}

type OpsGuardOptions struct {
	Enabled bool   `env:"OPS_GUARD_ENABLED" envDefault:"true"`
	CIDRs   string `env:"OPS_GUARD_CIDRS" envDefault:""`
	Token   string `env:"OPS_GUARD_TOKEN" envDefault:""`
}

type Configuration struct {
	Database      DatabaseOptions
	Delivery      DeliveryOptions
	Store         StoreOptions
	Sender        SenderOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	RateLimit     RateLimitOptions
	OpsGuard      OpsGuardOptions

	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/deliveryd.log"`
	// Looked up on incoming requests; a uuid v4 is generated when absent.
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`
	// Falls back to request.RemoteAddr when absent.
	RealIPHeader   string `env:"REAL_IP_HEADER" envDefault:"X-Real-IP"`
	AllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	logFile io.Closer
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func (c *Configuration) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func Use() *Configuration {
	return singleton()
}

// Load builds a configuration without touching the process-wide singleton.
func Load(envFiles ...string) (*Configuration, error) {
	c := &Configuration{}
	if err := c.load(envFiles); err != nil {
		c.Unload()
		return nil, err
	}
	return c, nil
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 && len(envFiles) > 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	if err := c.Delivery.Validate(); err != nil {
		return fmt.Errorf("delivery configuration error: %w", err)
	}
	if err := c.validateStore(); err != nil {
		return err
	}
	if err := c.validateSender(); err != nil {
		return err
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration error: %w", err)
	}

	if c.LogPath != "" {
		f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
		if err != nil {
			return err
		}
		c.logFile = f
		c.logger = logger
	} else {
		c.logger = logging.ConsoleLogger(c.LogrusLogLevel())
	}

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

func (c *Configuration) validateStore() error {
	driver := strings.ToLower(strings.TrimSpace(c.Store.Driver))
	switch driver {
	case StoreSQLite:
		if strings.TrimSpace(c.Store.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER=sqlite")
		}
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("invalid STORE_DRIVER=%q (expected sqlite|postgres|memory)", c.Store.Driver)
	}
	c.Store.Driver = driver
	return nil
}

func (c *Configuration) validateSender() error {
	kind := strings.ToLower(strings.TrimSpace(c.Sender.Kind))
	switch kind {
	case SenderHTTP:
		if strings.TrimSpace(c.Sender.CollectorURL) == "" {
			return fmt.Errorf("COLLECTOR_URL is required when SENDER_KIND=http")
		}
	case SenderKafka:
		if len(c.Sender.KafkaBrokers) == 0 || strings.TrimSpace(c.Sender.KafkaTopic) == "" {
			return fmt.Errorf("KAFKA_BROKERS and KAFKA_TOPIC are required when SENDER_KIND=kafka")
		}
	case SenderEventBus:
	default:
		return fmt.Errorf("invalid SENDER_KIND=%q (expected http|kafka|eventbus)", c.Sender.Kind)
	}
	c.Sender.Kind = kind
	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
