// Command capvault-server serves capability-token file sharing over HTTP, with
// a gRPC health endpoint alongside.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/capvault/internal/audit"
	"github.com/and161185/capvault/internal/blobstore"
	"github.com/and161185/capvault/internal/cache"
	"github.com/and161185/capvault/internal/config"
	"github.com/and161185/capvault/internal/limiter"
	"github.com/and161185/capvault/internal/migrate"
	"github.com/and161185/capvault/internal/repository/postgres"
	grpcserver "github.com/and161185/capvault/internal/server/grpc"
	httpserver "github.com/and161185/capvault/internal/server/http"
	"github.com/and161185/capvault/internal/service"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	// -mint-bearer is handled before the main config so operators can get a
	// dev bearer without a database.
	if sub, key, ok := mintRequest(os.Args[1:]); ok {
		if err := mintBearer(sub, key); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.LoadFromOS()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("health", cfg.HealthAddr),
		zap.String("blob", cfg.BlobBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if err := migrate.Up(ctx, cfg.DatabaseDSN, logger); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}

	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer db.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	tokenCache := cache.NewRedis(rdb)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	sink := audit.NewAsync(audit.NewLogSink(logger), cfg.AuditBuffer, logger)
	defer sink.Close()

	pgLim := limiter.NewPG(db.Pool, limiter.Policy{
		Window:   cfg.LimiterWindow,
		MaxFails: cfg.LimiterMaxFails,
		BlockFor: cfg.LimiterBlock,
	})
	var lim limiter.Limiter = pgLim

	tokens := service.NewTokenService(postgres.NewTokenRepo(db), tokenCache, logger)
	fileRepo := postgres.NewFileRepo(db)
	mat := service.NewMaterializer(fileRepo, store, afero.NewOsFs(), cfg.StageDir, logger)
	files := service.NewFileService(tokens, fileRepo, postgres.NewOwnershipRepo(db), mat, sink, lim, service.FileConfig{
		IntentTTL:     cfg.IntentTTL,
		GrantTTL:      cfg.GrantTTL,
		MaxGrantTTL:   cfg.MaxGrantTTL,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)
	challenges := service.NewChallengeService(tokens, nil, sink, lim, cfg.ChallengeTTL, logger)
	auth := service.NewJWTAuthenticator([]byte(cfg.JWTKey), cfg.AccessTTL)

	if !cfg.Dev {
		gin.SetMode(gin.ReleaseMode)
	}
	api := httpserver.New(files, challenges, auth, cfg.MaxUploadSize, logger).TrustProxies(cfg.TrustedProxies)
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	health := grpcserver.New(logger, grpcserver.Options{Reflection: cfg.Dev}, db, tokenCache)
	lis, err := net.Listen("tcp", cfg.HealthAddr)
	if err != nil {
		return fmt.Errorf("listen health: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("grpc health listening", zap.String("addr", cfg.HealthAddr))
		return health.GRPC.Serve(lis)
	})
	g.Go(func() error {
		health.Watch(gctx)
		return nil
	})
	g.Go(func() error {
		reap(gctx, tokens, pgLim, cfg.ReapInterval, cfg.ReapRetention, logger)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}

		done := make(chan struct{})
		go func() {
			health.GRPC.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			health.GRPC.Stop()
		}
		return nil
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	if cfg.BlobBackend == config.BlobS3 {
		return blobstore.NewS3FromConfig(ctx, blobstore.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			BaseEndpoint: cfg.S3Endpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Prefix:       cfg.S3Prefix,
		})
	}
	return blobstore.NewLocal(cfg.BlobDir)
}

// reap purges long-dead tokens and idle limiter rows on every tick until ctx is done.
func reap(
	ctx context.Context, tokens service.TokenService, lim *limiter.PG, every, retention time.Duration, log *zap.Logger,
) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := tokens.Reap(ctx, retention); err != nil {
				log.Warn("reap tokens", zap.Error(err))
			}
			if _, err := lim.Prune(ctx, time.Now().Add(-retention)); err != nil {
				log.Warn("prune limiter", zap.Error(err))
			}
		}
	}
}

// mintRequest recognises "-mint-bearer <uuid> -jwt-key <key>".
func mintRequest(args []string) (subject, key string, ok bool) {
	fs := flag.NewFlagSet("mint", flag.ContinueOnError)
	fs.SetOutput(nopWriter{})
	fs.StringVar(&subject, "mint-bearer", "", "")
	fs.StringVar(&key, "jwt-key", os.Getenv(config.EnvPrefix+"JWT_KEY"), "")
	for _, a := range args {
		if a == "-mint-bearer" || a == "--mint-bearer" {
			_ = fs.Parse(filterMint(args))
			return subject, key, subject != ""
		}
	}
	return "", "", false
}

func filterMint(args []string) []string {
	var out []string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-mint-bearer", "--mint-bearer", "-jwt-key", "--jwt-key":
			out = append(out, args[i])
			if i+1 < len(args) {
				out = append(out, args[i+1])
				i++
			}
		}
	}
	return out
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func mintBearer(subject, key string) error {
	if key == "" {
		return errors.New("mint: missing jwt signing key (-jwt-key or CAPVAULT_JWT_KEY)")
	}
	id, err := uuid.FromString(subject)
	if err != nil {
		return fmt.Errorf("mint: subject: %w", err)
	}
	cfg := config.Config{}
	cfg.LoadDefaults()
	tok, exp, err := service.NewJWTAuthenticator([]byte(key), cfg.AccessTTL).IssueAccessToken(id)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	fmt.Println(tok)
	fmt.Fprintln(os.Stderr, "expires", exp.Format(time.RFC3339))
	return nil
}
