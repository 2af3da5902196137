package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/component-matcher/internal/auth"
	"github.com/example/component-matcher/internal/config"
	"github.com/example/component-matcher/internal/grpcserver"
	"github.com/example/component-matcher/internal/handlers"
	"github.com/example/component-matcher/internal/imageprocessor"
	"github.com/example/component-matcher/internal/logging"
	"github.com/example/component-matcher/internal/matcher"
	"github.com/example/component-matcher/internal/reference"
	"github.com/example/component-matcher/internal/repository"
	"github.com/example/component-matcher/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewIdentificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	cache := initCache(ctx, cfg, logger)

	catalog := reference.DefaultCatalog()
	if cfg.CatalogFile != "" {
		catalog, err = reference.LoadCatalog(cfg.CatalogFile)
		if err != nil {
			logger.Fatal("failed to load component catalog", zap.Error(err))
		}
	}

	var references reference.Source = reference.NewDirectorySource(cfg.StandardDir, logger)
	if cfg.CacheReferences {
		cached := reference.NewCachedSource(references, logger)
		if _, err := cached.Load(ctx); err != nil {
			logger.Warn("reference set not loaded at startup", zap.String("dir", cfg.StandardDir), zap.Error(err))
		}
		references = cached
	}

	interp, err := imageprocessor.InterpolatorByName(cfg.Resampler)
	if err != nil {
		logger.Fatal("invalid resampler", zap.Error(err))
	}
	matcherOpts := []matcher.Option{
		matcher.WithWorkers(cfg.MatchWorkers),
		matcher.WithInterpolator(interp),
		matcher.WithDescriber(catalog),
		matcher.WithMaxPixels(cfg.MaxPixels),
		matcher.WithLogger(logger),
	}
	if cfg.PublicBaseURL != "" {
		base, err := url.JoinPath(cfg.PublicBaseURL, "standard_components")
		if err != nil {
			logger.Fatal("invalid public base url", zap.Error(err))
		}
		matcherOpts = append(matcherOpts, matcher.WithImageURLBase(base))
	}

	uc := usecase.NewIdentificationUseCase(repo, cache, references, matcher.New(matcherOpts...), logger).
		WithTTLs(cfg.ResultTTL, cfg.MatchTTL)

	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize

	handlers.RegisterRoutes(r, uc, auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience), handlers.Options{
		OptionalAuth: auth.OptionalJWTMiddleware(cfg.JWTSecret, cfg.JWTAudience),
		Fetcher:      handlers.NewHTTPFetcher(cfg.FetchTimeout),
		Catalog:      catalog,
		StandardDir:  cfg.StandardDir,
		Logger:       logger,
	})

	var opts serveOptions
	if cfg.GRPCAddr != "" {
		grpcServer := grpcserver.New(uc, auth.NewVerifier(cfg.JWTSecret, cfg.JWTAudience), logger)
		listener, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("failed to listen for gRPC", zap.Error(err), zap.String("addr", cfg.GRPCAddr))
		}
		go func() {
			if err := grpcServer.Serve(listener); err != nil {
				logger.Error("gRPC server stopped", zap.Error(err))
			}
		}()
		opts.onShutdown = append(opts.onShutdown, func(ctx context.Context) {
			stopGRPC(ctx, grpcServer)
		})
		logger.Info("gRPC matcher listening", zap.String("addr", cfg.GRPCAddr))
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("component matcher listening", zap.String("addr", cfg.HTTPAddr), zap.String("standard_dir", cfg.StandardDir))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger, opts); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func initDatabase(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) *gorm.DB {
	var dialector gorm.Dialector
	switch cfg.DatabaseDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.DatabaseDSN)
	default:
		dialector = postgres.Open(cfg.DatabaseDSN)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err), zap.String("driver", cfg.DatabaseDriver))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	if cfg.DatabaseDriver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initCache(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) usecase.Cache {
	if cfg.RedisAddr == "" {
		zapLogger.Info("redis not configured, caching disabled")
		return usecase.NoopCache{}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(pingCtx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return usecase.NewRedisCache(client)
}

// serveOptions lets tests inject a listener and signal channel. onShutdown
// hooks run after the HTTP server has drained, within the shutdown timeout.
type serveOptions struct {
	listener   net.Listener
	signals    <-chan os.Signal
	onShutdown []func(ctx context.Context)
}

// stopGRPC drains in-flight RPCs, forcing a stop when ctx expires first.
func stopGRPC(ctx context.Context, server *grpc.Server) {
	done := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		server.Stop()
	}
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, opts serveOptions) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if opts.listener != nil {
			err = server.Serve(opts.listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := opts.signals
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		for _, hook := range opts.onShutdown {
			hook(ctx)
		}
		return <-errCh
	}
}
