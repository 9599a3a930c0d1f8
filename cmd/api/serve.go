package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"agrivet.store/internal/audit"
	"agrivet.store/internal/auth"
	"agrivet.store/internal/config"
	"agrivet.store/internal/httpapi"
	"agrivet.store/internal/notify"
	"agrivet.store/internal/obs"
	"agrivet.store/internal/store/memory"
	"agrivet.store/internal/store/pg"
	"agrivet.store/internal/store/redisstore"
)

func serve(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := obs.NewLogger(cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := obs.NewMetrics()
	metrics.SetBuildInfo(version, commit)

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close(logger)

	recorder := audit.NewRecorder(logger, append(st.auditOpts, audit.WithFailureHook(metrics.ObserveAuditFailure))...)

	svcOpts, err := serviceOptions(cfg)
	if err != nil {
		return err
	}
	svcOpts = append(svcOpts, auth.WithAuditor(recorder), auth.WithObserver(metrics))
	svc, err := auth.NewService(st.identities, st.tokens, svcOpts...)
	if err != nil {
		return err
	}
	gate, err := auth.NewGate(auth.DefaultPolicy(),
		auth.WithGateAuditor(recorder),
		auth.WithDenyHook(metrics.ObserveGateDenial),
	)
	if err != nil {
		return err
	}
	dispatcher := notify.NewDispatcher(notify.NewLogSender(logger), logger)

	api, err := httpapi.New(httpapi.Deps{
		Auth:     svc,
		Gate:     gate,
		Audit:    recorder,
		Notifier: dispatcher,
		Metrics:  metrics,
		Logger:   logger,
		Ready:    st.ready,
	}, httpapi.Options{
		Version:        version,
		CookieSecure:   cfg.Server.CookieSecure,
		TrustProxy:     cfg.Server.TrustProxy,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RateBurst:      cfg.RateLimit.Burst,
		RatePerSecond:  cfg.RateLimit.PerSecond,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = httpapi.NewGRPCServer(st.ready, svc, gate, httpapi.DefaultGRPCMethods(), logger).NewServer()
		go func() {
			logger.Info("grpc server starting", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	go purgeExpiredTokens(ctx, svc, cfg.Refresh.PurgeInterval, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown", zap.Error(shutdownErr))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	dispatcher.Wait()
	logger.Info("stopped")
	return err
}

func serviceOptions(cfg *config.Config) ([]auth.ServiceOption, error) {
	opts := []auth.ServiceOption{
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithPasswordCost(cfg.Auth.BcryptCost),
	}
	if cfg.Auth.UsesRSA() {
		privatePEM, publicPEM, err := cfg.Auth.ReadKeys()
		if err != nil {
			return nil, err
		}
		return append(opts, auth.WithRS256Keys(privatePEM, publicPEM), auth.WithKeyID(cfg.Auth.KeyID)), nil
	}
	return append(opts, auth.WithTokenSecret(cfg.Auth.Secret)), nil
}

// stores bundles the configured persistence backends.
type stores struct {
	identities auth.IdentityStore
	tokens     auth.RefreshTokenStore
	auditOpts  []audit.Option
	ready      httpapi.ReadyProbe
	closers    []func() error
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	st := &stores{}

	var db *pg.Store
	if cfg.Database.DSN != "" {
		var err error
		db, err = pg.Open(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.Ping(pingCtx); err != nil {
			st.close(logger)
			return nil, fmt.Errorf("ping database: %w", err)
		}
		st.identities = db.Identities()
		auditLog := db.Audit()
		st.auditOpts = append(st.auditOpts, audit.WithSink(auditLog), audit.WithQuerier(auditLog))
		st.ready = httpapi.ReadyProbe{DB: db.DB()}
	} else {
		logger.Warn("database.dsn is empty, identities and audit entries are kept in memory")
		st.identities = memory.NewIdentities()
		mem := audit.NewMemory()
		st.auditOpts = append(st.auditOpts, audit.WithSink(mem), audit.WithQuerier(mem))
	}

	switch cfg.Refresh.Store {
	case config.StorePostgres:
		st.tokens = db.RefreshTokens()
	case config.StoreRedis:
		client, err := redisstore.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			st.close(logger)
			return nil, err
		}
		st.closers = append(st.closers, client.Close)
		st.tokens = redisstore.New(client, cfg.Redis.KeyPrefix)
	default:
		st.tokens = memory.NewRefreshTokens()
	}
	logger.Info("refresh token store selected", zap.String("store", cfg.Refresh.Store))

	if len(cfg.Elastic.Addresses) > 0 {
		client, err := audit.NewElasticClient(cfg.Elastic.Addresses, cfg.Elastic.Username, cfg.Elastic.Password)
		if err != nil {
			st.close(logger)
			return nil, err
		}
		st.auditOpts = append(st.auditOpts, audit.WithSink(audit.NewElastic(client, cfg.Elastic.Index)))
	}
	return st, nil
}

func (st *stores) close(logger *zap.Logger) {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}
	st.closers = nil
}

func purgeExpiredTokens(ctx context.Context, svc *auth.Service, every time.Duration, logger *zap.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := svc.PurgeExpiredTokens(ctx)
			if err != nil {
				logger.Warn("purge expired refresh tokens", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired refresh tokens", zap.Int("count", n))
			}
		}
	}
}
