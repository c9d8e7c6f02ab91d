package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/victornm/planningpoker/internal/api"
	"github.com/victornm/planningpoker/internal/async"
	"github.com/victornm/planningpoker/internal/hub"
	"github.com/victornm/planningpoker/internal/relay"
	"github.com/victornm/planningpoker/internal/store"
	"github.com/victornm/planningpoker/internal/sweep"
	"github.com/victornm/planningpoker/internal/telemetry"
)

const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	RelayRedis = "redis"
	RelayNATS  = "nats"
	RelayNone  = "none"
)

type RedisConfig struct {
	Addrs  []string
	Pass   string
	Prefix string
}

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Store struct {
		Driver string
		TTL    time.Duration
	}

	Relay struct {
		Driver string
	}

	Redis struct {
		Store  RedisConfig
		Pubsub RedisConfig
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
		// SweepInterval between deletions of expired sessions.
		SweepInterval time.Duration
	}

	NATS struct {
		URL           string
		Prefix        string
		ReconnectWait time.Duration
	}

	Session struct {
		ResumeWindow time.Duration
	}

	CORS struct {
		AllowedOrigins []string
	}
}

// DefaultConfig is merged under the config file, so keys the file omits keep these values.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Store.Driver = StoreRedis
	c.Store.TTL = 24 * time.Hour
	c.Relay.Driver = RelayRedis
	c.Redis.Store.Addrs = []string{"localhost:6379"}
	c.Redis.Store.Prefix = "poker"
	c.Redis.Pubsub.Addrs = []string{"localhost:6379"}
	c.Redis.Pubsub.Prefix = "poker"
	c.Postgres.SweepInterval = sweep.DefaultInterval
	c.NATS.URL = nats.DefaultURL
	c.NATS.Prefix = "poker"
	c.NATS.ReconnectWait = 2 * time.Second
	c.Session.ResumeWindow = api.DefaultResumeWindow
	c.CORS.AllowedOrigins = []string{"*"}
	return c
}

type Server struct {
	c Config

	// id tells this instance's relay messages apart from the others'.
	id string

	infra struct {
		redis struct {
			store  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres *pgxpool.Pool
		nats     *nats.Conn
	}

	service struct {
		metrics *telemetry.Metrics
		writes  *async.Runner
		store   store.Store
		relay   interface {
			hub.Relay
			Run(ctx context.Context, sink relay.Sink) error
		}
		hub     *hub.Hub
		router  *api.Router
		sweeper *sweep.Sweeper
	}

	http *http.Server
	grpc *grpc.Server

	ctx  context.Context
	stop context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c, id: uuid.NewString()}
	s.ctx, s.stop = context.WithCancel(context.Background())

	if err := s.initInfra(); err != nil {
		s.closeInfra()
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		s.closeInfra()
		return nil, fmt.Errorf("server: init service: %w", err)
	}

	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	if err := s.initNATS(); err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(name string, c RedisConfig) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    c.Addrs,
			Password: c.Pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			_ = r.Close()
			return nil, err
		}

		return r, nil
	}

	var err error
	if s.c.Store.Driver == StoreRedis {
		s.infra.redis.store, err = connect("store", s.c.Redis.Store)
		if err != nil {
			return fmt.Errorf("store: %w", err)
		}
	}

	if s.c.Relay.Driver == RelayRedis {
		s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub)
		if err != nil {
			return fmt.Errorf("pubsub: %w", err)
		}
	}

	return nil
}

func (s *Server) initPostgres() error {
	if s.c.Store.Driver != StorePostgres {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := s.c.Postgres
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", p.User, p.Pass, p.Addr, p.Name))
	if err != nil {
		return err
	}
	telemetry.MonitorPostgres(cc)

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}
	s.infra.postgres = db

	if err := db.Ping(ctx); err != nil {
		return err
	}

	return nil
}

func (s *Server) initNATS() error {
	if s.c.Relay.Driver != RelayNATS {
		return nil
	}

	nc, err := relay.DialNATS(s.c.NATS.URL, s.c.NATS.ReconnectWait)
	if err != nil {
		return err
	}
	s.infra.nats = nc
	return nil
}

func (s *Server) initService() error {
	s.service.metrics = telemetry.NewMetrics(nil)

	s.service.writes = async.NewRunner(async.Config{
		OnFailure: s.service.metrics.BackgroundFailure,
	})

	switch s.c.Store.Driver {
	case StoreRedis:
		s.service.store = store.NewRedisStore(store.RedisConfig{
			Redis:  s.infra.redis.store,
			Prefix: s.c.Redis.Store.Prefix,
			TTL:    s.c.Store.TTL,
		})

	case StorePostgres:
		pg := store.NewPostgresStore(store.PostgresConfig{
			DB:  s.infra.postgres,
			TTL: s.c.Store.TTL,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		s.service.store = pg
		s.service.sweeper = sweep.New(sweep.Config{
			Store:    pg,
			Redis:    s.infra.redis.pubsub,
			Prefix:   s.c.Redis.Pubsub.Prefix,
			Owner:    s.id,
			Interval: s.c.Postgres.SweepInterval,
			Metrics:  s.service.metrics,
		})

	case StoreMemory:
		s.service.store = store.NewMemoryStore(store.MemoryConfig{TTL: s.c.Store.TTL})

	default:
		return fmt.Errorf("unknown store driver %q", s.c.Store.Driver)
	}

	hc := hub.Config{
		Writes:  s.service.writes,
		Metrics: s.service.metrics,
	}

	switch s.c.Relay.Driver {
	case RelayRedis:
		s.service.relay = relay.NewRedis(relay.RedisConfig{
			Redis:  s.infra.redis.pubsub,
			Prefix: s.c.Redis.Pubsub.Prefix,
			Origin: s.id,
		})
		hc.Relay = s.service.relay

	case RelayNATS:
		s.service.relay = relay.NewNATS(relay.NATSConfig{
			Conn:   s.infra.nats,
			Prefix: s.c.NATS.Prefix,
			Origin: s.id,
		})
		hc.Relay = s.service.relay

	case RelayNone, "":

	default:
		return fmt.Errorf("unknown relay driver %q", s.c.Relay.Driver)
	}

	s.service.hub = hub.New(hc)

	s.service.router = api.New(api.Config{
		Store:        s.service.store,
		Hub:          s.service.hub,
		Writes:       s.service.writes,
		Metrics:      s.service.metrics,
		ResumeWindow: s.c.Session.ResumeWindow,
	})

	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.Use(gin.Recovery())
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	e.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	pprof.Register(e, "/debug/pprof")

	api.NewWebSocket(s.service.router, s.service.hub, s.service.metrics, api.DefaultWebSocketConfig()).Register(e)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.c.CORS.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowCredentials: true,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           c.Handler(e),
		ReadHeaderTimeout: 60 * time.Second,
	}

	s.grpc = grpc.NewServer(telemetry.GRPCServerOptions(slog.Default())...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpc, hs)
}

func (s *Server) Start() {
	ctx := s.ctx

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if s.service.relay != nil {
		eg.Go(func() error {
			slog.InfoContext(ctx, "server: relay started", "driver", s.c.Relay.Driver, "instance", s.id)
			return s.service.relay.Run(ctx, s.service.router)
		})
	}

	if s.service.sweeper != nil {
		eg.Go(func() error {
			return s.service.sweeper.Run(ctx)
		})
	}

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.stop()

	// Pending store writes and relay publishes finish before their clients close.
	s.service.writes.Stop()
	if err := s.service.store.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close store failed", "error", err)
	}

	s.closeInfra()

	slog.InfoContext(ctx, "server: shutdown completed")
}

func (s *Server) closeInfra() {
	for name, r := range map[string]redis.UniversalClient{
		"store":  s.infra.redis.store,
		"pubsub": s.infra.redis.pubsub,
	} {
		if r == nil {
			continue
		}
		if err := r.Close(); err != nil {
			slog.Error("server: close redis failed", "client", name, "error", err)
		}
	}

	if s.infra.postgres != nil {
		s.infra.postgres.Close()
	}

	if s.infra.nats != nil {
		s.infra.nats.Close()
	}
}
