package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/you-humble/alchemy/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ALCHEMY_"

type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	BaseDir string `yaml:"base_dir"`

	Workers       int `yaml:"workers"`
	MaxAbandoned  int `yaml:"max_abandoned"`
	QueueCapacity int `yaml:"queue_capacity"`

	JobRetention     time.Duration `yaml:"job_retention"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	MaxUploadBytesMb int64         `yaml:"max_upload_mb"`

	Chunking domain.ChunkingConfig `yaml:"chunking"`
	Timeouts Timeouts              `yaml:"timeouts"`

	Store Driver `yaml:"store"`
	Queue Driver `yaml:"queue"`
	Blob  Driver `yaml:"blob"`

	Redis Redis `yaml:"redis"`
	MinIO MinIO `yaml:"minio"`
	NATS  NATS  `yaml:"nats"`

	// Parsers maps a kind to the gRPC address of its backend.
	// Kinds without an address use the in-process mock backends.
	Parsers map[domain.Kind]string `yaml:"parsers"`
	// MockDelay paces the in-process backends so progress is observable.
	MockDelay time.Duration `yaml:"mock_delay"`

	Log Log `yaml:"log"`
}

type Timeouts struct {
	Document time.Duration `yaml:"document"`
	Image    time.Duration `yaml:"image"`
	Audio    time.Duration `yaml:"audio"`
	Video    time.Duration `yaml:"video"`
	Web      time.Duration `yaml:"web"`
}

func (t Timeouts) For(kind domain.Kind) time.Duration {
	switch kind {
	case domain.KindDocument:
		return t.Document
	case domain.KindImage:
		return t.Image
	case domain.KindAudio:
		return t.Audio
	case domain.KindVideo:
		return t.Video
	case domain.KindWeb:
		return t.Web
	}
	return 0
}

func (t Timeouts) Map() map[domain.Kind]time.Duration {
	out := make(map[domain.Kind]time.Duration, len(domain.Kinds))
	for _, k := range domain.Kinds {
		out[k] = t.For(k)
	}
	return out
}

type Driver struct {
	Driver string `yaml:"driver"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
}

type NATS struct {
	URL           string `yaml:"url"`
	QueueName     string `yaml:"queue_name"`
	MaxReconnects int    `yaml:"max_reconnects"`
	Subject       string `yaml:"subject"`
	Stream        string `yaml:"stream"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

// Load reads path (when set), then a .env file (when present), then
// ALCHEMY_* environment variables, each layer overriding the previous one.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.BaseDir == "" {
		c.BaseDir = "./data"
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAbandoned < 0 {
		c.MaxAbandoned = 0
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 100
	}
	if c.JobRetention <= 0 {
		c.JobRetention = time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.MaxUploadBytesMb <= 0 {
		c.MaxUploadBytesMb = 50
	}
	if c.Chunking.Size <= 0 {
		c.Chunking.Size = 512
		if c.Chunking.Overlap == 0 {
			c.Chunking.Overlap = 64
		}
	}
	if c.Chunking.Overlap < 0 {
		c.Chunking.Overlap = 0
	}

	t := &c.Timeouts
	if t.Document <= 0 {
		t.Document = 5 * time.Minute
	}
	if t.Image <= 0 {
		t.Image = 2 * time.Minute
	}
	if t.Audio <= 0 {
		t.Audio = 15 * time.Minute
	}
	if t.Video <= 0 {
		t.Video = 30 * time.Minute
	}
	if t.Web <= 0 {
		t.Web = 2 * time.Minute
	}

	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "local"
	}

	if c.NATS.Subject == "" {
		c.NATS.Subject = "alchemy.jobs"
	}
	if c.NATS.Stream == "" {
		c.NATS.Stream = "ALCHEMY_JOBS"
	}
	if c.NATS.QueueName == "" {
		c.NATS.QueueName = "alchemy"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) Validate() error {
	if c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("chunking.overlap (%d) must be smaller than chunking.size (%d)",
			c.Chunking.Overlap, c.Chunking.Size)
	}

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("redis.addr is empty")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "nats":
		if c.NATS.URL == "" {
			return errors.New("nats.url is empty")
		}
	default:
		return fmt.Errorf("unknown queue.driver %q", c.Queue.Driver)
	}

	switch c.Blob.Driver {
	case "local":
	case "minio", "async":
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return errors.New("minio.endpoint and minio.bucket are required")
		}
	default:
		return fmt.Errorf("unknown blob.driver %q", c.Blob.Driver)
	}

	for kind := range c.Parsers {
		if _, err := domain.ParseKind(string(kind)); err != nil {
			return fmt.Errorf("parsers: %w", err)
		}
	}

	return nil
}

func applyEnv(c *Config) error {
	str := map[string]*string{
		"ADDR":                    &c.Addr,
		"BASE_DIR":                &c.BaseDir,
		"STORE_DRIVER":            &c.Store.Driver,
		"QUEUE_DRIVER":            &c.Queue.Driver,
		"BLOB_DRIVER":             &c.Blob.Driver,
		"REDIS_ADDR":              &c.Redis.Addr,
		"REDIS_PASSWORD":          &c.Redis.Password,
		"MINIO_ENDPOINT":          &c.MinIO.Endpoint,
		"MINIO_ACCESS_KEY_ID":     &c.MinIO.AccessKeyID,
		"MINIO_SECRET_ACCESS_KEY": &c.MinIO.SecretAccessKey,
		"MINIO_BUCKET":            &c.MinIO.Bucket,
		"NATS_URL":                &c.NATS.URL,
		"LOG_LEVEL":               &c.Log.Level,
		"LOG_FORMAT":              &c.Log.Format,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":        &c.Workers,
		"MAX_ABANDONED":  &c.MaxAbandoned,
		"QUEUE_CAPACITY": &c.QueueCapacity,
		"CHUNK_SIZE":     &c.Chunking.Size,
		"CHUNK_OVERLAP":  &c.Chunking.Overlap,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(envPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("env %s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	if v, ok := os.LookupEnv(envPrefix + "JOB_RETENTION"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("env %sJOB_RETENTION: %w", envPrefix, err)
		}
		c.JobRetention = d
	}

	return nil
}
