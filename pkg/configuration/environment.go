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

	"github.com/loadforge/loadforge/pkg/logging"

	"github.com/caarlos0/env/v11"
	"github.com/iota-uz/utils/fs"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c, err := Load([]string{".env", ".env.local"})
	if err != nil {
		panic(err)
	}
	return c
})

// LoadEnv loads the given env files. Files missing from the working directory
// are looked up in the nearest parent directory containing a go.mod.
func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	root := moduleRoot()
	for _, file := range envFiles {
		if fs.FileExists(file) {
			existingFiles = append(existingFiles, file)
			continue
		}
		if root == "" || filepath.IsAbs(file) {
			continue
		}
		if candidate := filepath.Join(root, file); fs.FileExists(candidate) {
			existingFiles = append(existingFiles, candidate)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
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
	Name     string `env:"DB_NAME" envDefault:"loadforge"`
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

// EngineOptions configure the single upstream connection to the load engine.
type EngineOptions struct {
	URL               string        `env:"ENGINE_URL" envDefault:"ws://localhost:5000/ws"`
	HandshakeTimeout  time.Duration `env:"ENGINE_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	ReconnectAttempts int           `env:"ENGINE_RECONNECT_ATTEMPTS" envDefault:"5"`
	ReconnectDelay    time.Duration `env:"ENGINE_RECONNECT_DELAY" envDefault:"500ms"`
	SendWait          time.Duration `env:"ENGINE_SEND_WAIT" envDefault:"2s"`
	PingInterval      time.Duration `env:"ENGINE_PING_INTERVAL" envDefault:"20s"`
}

func (e *EngineOptions) Validate() error {
	if !strings.HasPrefix(e.URL, "ws://") && !strings.HasPrefix(e.URL, "wss://") {
		return fmt.Errorf("ENGINE_URL must use the ws or wss scheme, got %q", e.URL)
	}
	if e.ReconnectAttempts < 0 {
		return fmt.Errorf("ENGINE_RECONNECT_ATTEMPTS must be non-negative, got %d", e.ReconnectAttempts)
	}
	if e.ReconnectDelay < 0 {
		return fmt.Errorf("ENGINE_RECONNECT_DELAY must be non-negative, got %s", e.ReconnectDelay)
	}
	return nil
}

type SinkOptions struct {
	BufferSize    uint32        `env:"SINK_BUFFER_SIZE" envDefault:"1024"`
	FlushSize     uint32        `env:"SINK_FLUSH_SIZE" envDefault:"16"`
	FlushInterval time.Duration `env:"SINK_FLUSH_INTERVAL" envDefault:"50ms"`
	// DedupCacheSize of 0 disables the recently-seen cache.
	DedupCacheSize    int           `env:"DEDUP_CACHE_SIZE" envDefault:"100"`
	DedupCacheBackend string        `env:"DEDUP_CACHE_BACKEND" envDefault:"memory"` // memory or redis
	DedupCacheTTL     time.Duration `env:"DEDUP_CACHE_TTL" envDefault:"1h"`
}

func (s *SinkOptions) Validate() error {
	if s.BufferSize == 0 {
		return fmt.Errorf("SINK_BUFFER_SIZE must be positive")
	}
	if s.FlushSize == 0 || s.FlushSize > s.BufferSize {
		return fmt.Errorf("SINK_FLUSH_SIZE must be within 1..%d, got %d", s.BufferSize, s.FlushSize)
	}
	if s.DedupCacheSize < 0 {
		return fmt.Errorf("DEDUP_CACHE_SIZE must be non-negative, got %d", s.DedupCacheSize)
	}
	if s.DedupCacheBackend != "memory" && s.DedupCacheBackend != "redis" {
		return fmt.Errorf("DEDUP_CACHE_BACKEND must be 'memory' or 'redis', got '%s'", s.DedupCacheBackend)
	}
	return nil
}

type StreamOptions struct {
	HeartbeatInterval time.Duration `env:"STREAM_HEARTBEAT_INTERVAL" envDefault:"15s"`
	RetryHint         time.Duration `env:"STREAM_RETRY_HINT" envDefault:"3s"`
	OwnerCacheSize    int           `env:"STREAM_OWNER_CACHE_SIZE" envDefault:"1024"`
}

type AuthOptions struct {
	// UserHeader carries the identity resolved by the upstream identity provider.
	UserHeader string `env:"AUTH_USER_HEADER" envDefault:"X-User-ID"`
}

type LogOptions struct {
	Path string `env:"LOG_PATH" envDefault:"./logs/app.log"`
}

type OpenTelemetryOptions struct {
	Enabled     bool   `env:"OTEL_ENABLED" envDefault:"false"`
	TempoURL    string `env:"OTEL_TEMPO_URL" envDefault:"localhost:4318"`
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"loadforge"`
}

type PrometheusOptions struct {
	Enabled bool   `env:"PROMETHEUS_METRICS_ENABLED" envDefault:"false"`
	Path    string `env:"PROMETHEUS_METRICS_PATH" envDefault:"/debug/prometheus"`
}

// OpsGuardOptions restrict operational endpoints such as metrics.
type OpsGuardOptions struct {
	Enabled bool   `env:"OPS_GUARD_ENABLED" envDefault:"false"`
	Token   string `env:"OPS_GUARD_TOKEN"`
	// Comma separated CIDRs allowed without a token.
	CIDRs string `env:"OPS_GUARD_CIDRS"`
}

type RateLimitOptions struct {
	Enabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	// StartPerMinute limits start commands per user.
	StartPerMinute int    `env:"RATE_LIMIT_START_PER_MINUTE" envDefault:"30"`
	Storage        string `env:"RATE_LIMIT_STORAGE" envDefault:"memory"` // memory or redis
}

// Validate checks the rate limit configuration for errors
func (r *RateLimitOptions) Validate() error {
	if r.StartPerMinute < 0 {
		return fmt.Errorf("rate limit StartPerMinute must be non-negative, got %d", r.StartPerMinute)
	}
	if r.StartPerMinute > 100000 {
		return fmt.Errorf("rate limit StartPerMinute too high, maximum is 100,000, got %d", r.StartPerMinute)
	}
	if r.Storage != "memory" && r.Storage != "redis" {
		return fmt.Errorf("rate limit storage must be 'memory' or 'redis', got %q", r.Storage)
	}
	return nil
}

type Configuration struct {
	Database      DatabaseOptions
	Engine        EngineOptions
	Sink          SinkOptions
	Stream        StreamOptions
	Auth          AuthOptions
	Log           LogOptions
	OpenTelemetry OpenTelemetryOptions
	Prometheus    PrometheusOptions
	RateLimit     RateLimitOptions
	OpsGuard      OpsGuardOptions

	RedisURL         string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	ServerPort       int    `env:"PORT" envDefault:"3200"`
	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	SocketAddress    string `env:"-"`
	Origin           string `env:"ORIGIN" envDefault:"http://localhost:3000"`
	// Comma separated; ORIGIN is used when empty.
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:""`
	LogLevel           string `env:"LOG_LEVEL" envDefault:"error"`
	// Looked up on each request, a random uuidv4 is generated when missing
	RequestIDHeader string `env:"REQUEST_ID_HEADER" envDefault:"X-Request-ID"`

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

func (c *Configuration) AllowedOrigins() []string {
	raw := strings.TrimSpace(c.CORSAllowedOrigins)
	if raw == "" {
		return []string{c.Origin}
	}
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			origins = append(origins, part)
		}
	}
	return origins
}

func Use() *Configuration {
	return singleton()
}

// Load builds a fresh configuration from the environment and the given env files.
func Load(envFiles []string) (*Configuration, error) {
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
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.Log.Path)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()
	if c.GoAppEnvironment == Production {
		c.SocketAddress = fmt.Sprintf(":%d", c.ServerPort)
	} else {
		c.SocketAddress = fmt.Sprintf("localhost:%d", c.ServerPort)
	}
	return nil
}

func (c *Configuration) validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine configuration error: %w", err)
	}
	if err := c.Sink.Validate(); err != nil {
		return fmt.Errorf("sink configuration error: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate limit configuration error: %w", err)
	}
	if c.Sink.DedupCacheBackend == "redis" && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required when DEDUP_CACHE_BACKEND is 'redis'")
	}
	if c.OpsGuard.Enabled && strings.TrimSpace(c.OpsGuard.Token) == "" && strings.TrimSpace(c.OpsGuard.CIDRs) == "" {
		return fmt.Errorf("OPS_GUARD_ENABLED requires OPS_GUARD_TOKEN or OPS_GUARD_CIDRS")
	}
	if c.Stream.OwnerCacheSize <= 0 {
		return fmt.Errorf("STREAM_OWNER_CACHE_SIZE must be positive, got %d", c.Stream.OwnerCacheSize)
	}
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
