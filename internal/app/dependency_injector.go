package app

import (
	"context"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/you-humble/alchemy/internal/domain"
	"github.com/you-humble/alchemy/internal/infra/config"
	"github.com/you-humble/alchemy/internal/infra/grpcparser"
	"github.com/you-humble/alchemy/internal/infra/queue"
	filestore "github.com/you-humble/alchemy/internal/infra/store/file"
	jobstore "github.com/you-humble/alchemy/internal/infra/store/job"
	mio "github.com/you-humble/alchemy/internal/libs/minio"
	natsq "github.com/you-humble/alchemy/internal/libs/nats"
	rediscli "github.com/you-humble/alchemy/internal/libs/redis"
	"github.com/you-humble/alchemy/internal/options"
	"github.com/you-humble/alchemy/internal/parser"
	"github.com/you-humble/alchemy/internal/parserd"
	"github.com/you-humble/alchemy/internal/scheduler"
	"github.com/you-humble/alchemy/internal/stream"
	"github.com/you-humble/alchemy/internal/transport"
	"github.com/you-humble/alchemy/internal/worker"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
)

type dependencyInjector struct {
	cfg    *config.Config
	logger *slog.Logger

	redis    *redis.Client
	baseJobs jobstore.Store
	jobs     jobstore.Store
	hub      *stream.Hub

	blobs     filestore.Store
	asyncBlob interface{ Close(context.Context) error }

	natsConn  *nats.Conn
	transport queue.Transport
	queue     *queue.Bounded

	conns   map[string]*grpc.ClientConn
	parsers *parser.Registry

	validator *options.Validator
	pool      *worker.Pool
	scheduler *scheduler.Scheduler
	router    http.Handler

	closers []io.Closer
}

func newDI(cfg *config.Config) *dependencyInjector {
	return &dependencyInjector{cfg: cfg}
}

func (di *dependencyInjector) Config() *config.Config {
	if di.cfg == nil {
		di.cfg = config.MustLoad("")
	}

	return di.cfg
}

func (di *dependencyInjector) Logger() *slog.Logger {
	if di.logger == nil {
		cfg := di.Config().Log

		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = slog.LevelInfo
		}
		opts := &slog.HandlerOptions{Level: level}

		var h slog.Handler = slog.NewTextHandler(os.Stdout, opts)
		if strings.EqualFold(cfg.Format, "json") {
			h = slog.NewJSONHandler(os.Stdout, opts)
		}
		di.logger = slog.New(h)
		slog.SetDefault(di.logger)
	}

	return di.logger
}

func (di *dependencyInjector) RedisClient(ctx context.Context) *redis.Client {
	if di.redis == nil {
		cfg := di.Config().Redis
		client, err := rediscli.NewClient(ctx, rediscli.Config{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err != nil {
			log.Fatalf("JobStore redis: %+v", err)
		}

		di.redis = client
		di.Logger().Info("connected to redis", slog.String("addr", cfg.Addr))
	}
	return di.redis
}

// BaseJobStore is the record store without change notifications.
func (di *dependencyInjector) BaseJobStore(ctx context.Context) jobstore.Store {
	if di.baseJobs == nil {
		switch di.Config().Store.Driver {
		case "redis":
			di.baseJobs = jobstore.NewRedisJobStore(di.RedisClient(ctx))
		default:
			di.baseJobs = jobstore.NewMemoryJobStore()
		}
		di.closers = append(di.closers, di.baseJobs)
		di.Logger().Info("initialized job store", slog.String("driver", di.Config().Store.Driver))
	}
	return di.baseJobs
}

func (di *dependencyInjector) Hub(ctx context.Context) *stream.Hub {
	if di.hub == nil {
		di.hub = stream.NewHub(di.BaseJobStore(ctx))
	}
	return di.hub
}

func (di *dependencyInjector) JobStore(ctx context.Context) jobstore.Store {
	if di.jobs == nil {
		di.jobs = jobstore.WithNotify(di.BaseJobStore(ctx), di.Hub(ctx))
	}
	return di.jobs
}

func (di *dependencyInjector) BlobStore(ctx context.Context) filestore.Store {
	if di.blobs != nil {
		return di.blobs
	}

	cfg := di.Config()

	local, err := filestore.NewLocalStore(cfg.BaseDir)
	if err != nil {
		log.Fatalf("BlobStore local: %+v", err)
	}
	di.Logger().Info("initialized local blob store", slog.String("base_dir", cfg.BaseDir))
	if cfg.Blob.Driver == "local" {
		di.blobs = local
		return di.blobs
	}

	remote, err := filestore.NewMinIOStore(ctx, mio.Config{
		Endpoint:        cfg.MinIO.Endpoint,
		AccessKeyID:     cfg.MinIO.AccessKeyID,
		SecretAccessKey: cfg.MinIO.SecretAccessKey,
		UseSSL:          cfg.MinIO.UseSSL,
		Bucket:          cfg.MinIO.Bucket,
		BasePath:        "inputs",
	})
	if err != nil {
		log.Fatalf("BlobStore minio: %+v", err)
	}
	di.Logger().Info(
		"initialized MinIO blob store",
		slog.String("endpoint", cfg.MinIO.Endpoint),
		slog.String("bucket", cfg.MinIO.Bucket),
	)
	if cfg.Blob.Driver == "minio" {
		di.blobs = remote
		return di.blobs
	}

	async := filestore.NewAsyncStore(ctx, local, remote, cfg.QueueCapacity, cfg.Workers, 3)
	di.Logger().Info(
		"using async blob store (local + MinIO)",
		slog.Int("queue_size", cfg.QueueCapacity),
		slog.Int("worker_num", cfg.Workers),
		slog.Int("max_retries", 3),
	)
	di.blobs = async
	di.asyncBlob = async
	return di.blobs
}

func (di *dependencyInjector) NATSConn(ctx context.Context) *nats.Conn {
	if di.natsConn == nil {
		cfg := di.Config()
		nc, err := natsq.NewConnect(cfg.NATS.URL, natsq.Config{
			Name:          cfg.NATS.QueueName,
			MaxReconnects: cfg.NATS.MaxReconnects,
		})
		if err != nil {
			log.Fatalf("NATS connect: %+v", err)
		}
		di.natsConn = nc
		di.Logger().Info("connected to nats", slog.String("url", cfg.NATS.URL))
	}
	return di.natsConn
}

func (di *dependencyInjector) Transport(ctx context.Context) queue.Transport {
	if di.transport == nil {
		cfg := di.Config()
		switch cfg.Queue.Driver {
		case "nats":
			qcfg := queue.NATSConfig{
				Stream:   cfg.NATS.Stream,
				Subject:  cfg.NATS.Subject,
				Consumer: cfg.NATS.QueueName,
				MaxMsgs:  cfg.QueueCapacity,
			}
			js, err := natsq.NewJetStream(di.NATSConn(ctx), queue.StreamConfig(qcfg))
			if err != nil {
				log.Fatalf("DI JetStream: %+v", err)
			}
			t, err := queue.NewNATS(js, qcfg)
			if err != nil {
				log.Fatalf("DI nats queue: %+v", err)
			}
			di.transport = t
		default:
			di.transport = queue.NewMemory(cfg.QueueCapacity)
		}
		di.Logger().Info("initialized job queue",
			slog.String("driver", cfg.Queue.Driver),
			slog.Int("capacity", cfg.QueueCapacity),
		)
	}
	return di.transport
}

func (di *dependencyInjector) Queue(ctx context.Context) *queue.Bounded {
	if di.queue == nil {
		di.queue = queue.NewBounded(di.Config().QueueCapacity, di.Transport(ctx))
	}
	return di.queue
}

// Parsers binds every kind to its backend: the configured gRPC address, or
// the in-process stand-in when none is set.
func (di *dependencyInjector) Parsers() *parser.Registry {
	if di.parsers != nil {
		return di.parsers
	}

	cfg := di.Config()
	mocks := parserd.MockBackends(cfg.MockDelay)
	di.conns = make(map[string]*grpc.ClientConn)
	reg := parser.NewRegistry()

	for _, kind := range domain.Kinds {
		addr := cfg.Parsers[kind]
		if addr == "" {
			c, err := mocks.Lookup(kind)
			if err != nil {
				continue
			}
			reg.Register(kind, c)
			di.Logger().Info("parser backend", slog.String("kind", string(kind)), slog.String("backend", "in-process"))
			continue
		}

		conn, ok := di.conns[addr]
		if !ok {
			var err error
			conn, err = grpcparser.NewConnection(addr)
			if err != nil {
				log.Fatalf("parser %s: %+v", kind, err)
			}
			di.conns[addr] = conn
			di.closers = append(di.closers, conn)
		}
		reg.Register(kind, grpcparser.New(conn))
		di.Logger().Info("parser backend", slog.String("kind", string(kind)), slog.String("addr", addr))
	}

	di.parsers = reg
	return di.parsers
}

func (di *dependencyInjector) Validator() *options.Validator {
	if di.validator == nil {
		cfg := di.Config()
		v, err := options.New(cfg.MaxUploadBytesMb<<20, cfg.Chunking)
		if err != nil {
			log.Fatalf("options validator: %+v", err)
		}
		di.validator = v
	}
	return di.validator
}

func (di *dependencyInjector) Pool(ctx context.Context) *worker.Pool {
	if di.pool == nil {
		cfg := di.Config()
		di.pool = worker.New(worker.Config{
			Workers:      cfg.Workers,
			MaxAbandoned: cfg.MaxAbandoned,
			Timeouts:     cfg.Timeouts.Map(),
			Chunking:     cfg.Chunking,
		},
			di.JobStore(ctx),
			di.Queue(ctx),
			di.BlobStore(ctx),
			di.Parsers(),
		)
	}
	return di.pool
}

func (di *dependencyInjector) Scheduler(ctx context.Context) *scheduler.Scheduler {
	if di.scheduler == nil {
		cfg := di.Config()
		di.scheduler = scheduler.New(
			scheduler.Config{
				Retention:       cfg.JobRetention,
				CleanupInterval: cfg.CleanupInterval,
			},
			di.JobStore(ctx),
			di.BlobStore(ctx),
			di.Queue(ctx),
			di.Pool(ctx),
			di.Validator(),
			di.Parsers(),
			di.Hub(ctx),
		)
	}
	return di.scheduler
}

func (di *dependencyInjector) Router(ctx context.Context) http.Handler {
	if di.router == nil {
		cfg := di.Config()
		di.router = transport.NewRouter(transport.NewHandler(di.Scheduler(ctx), cfg.MaxUploadBytesMb<<20))
	}
	return di.router
}

// Close releases what the getters opened, in reverse order.
func (di *dependencyInjector) Close(ctx context.Context) {
	if di.queue != nil {
		if err := di.queue.Close(); err != nil {
			slog.Warn("close queue", slog.String("error", err.Error()))
		}
	}
	if di.asyncBlob != nil {
		if err := di.asyncBlob.Close(ctx); err != nil {
			slog.Warn("close blob replication", slog.String("error", err.Error()))
		}
	}
	for i := len(di.closers) - 1; i >= 0; i-- {
		if err := di.closers[i].Close(); err != nil {
			slog.Warn("close dependency", slog.String("error", err.Error()))
		}
	}
	if di.natsConn != nil {
		di.natsConn.Close()
	}
}
