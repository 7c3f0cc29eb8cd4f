package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"slices"

	"github.com/prometheus/client_golang/prometheus"

	"piivault/internal/admin"
	auditsvc "piivault/internal/audit"
	"piivault/internal/fieldcrypt"
	"piivault/internal/health"
	"piivault/internal/keys/dek"
	"piivault/internal/keys/lock"
	"piivault/internal/keys/master"
	keysmetrics "piivault/internal/keys/metrics"
	keystore "piivault/internal/keys/store"
	"piivault/internal/platform/config"
	"piivault/internal/platform/postgres"
	platformredis "piivault/internal/platform/redis"
	profilehandler "piivault/internal/profile/handler"
	profilemetrics "piivault/internal/profile/metrics"
	profileservice "piivault/internal/profile/service"
	profilestore "piivault/internal/profile/store"
	"piivault/internal/token"
	tokenhandler "piivault/internal/token/handler"
	httptransport "piivault/internal/transport/http"
	"piivault/internal/transport/mtls"
	audit "piivault/pkg/platform/audit"
	auditmemory "piivault/pkg/platform/audit/store/memory"
	auditpostgres "piivault/pkg/platform/audit/store/postgres"
	"piivault/pkg/platform/audit/stream"
	"piivault/pkg/platform/tx"
)

// app is the assembled service.
type app struct {
	handler   http.Handler
	tlsConfig *tls.Config
	closers   []func()
}

func (a *app) close() {
	for _, c := range slices.Backward(a.closers) {
		c()
	}
}

// storage is the persistence layer for one deployment mode.
type storage struct {
	keys       dek.KeyStore
	rotations  dek.RotationStore
	profiles   profileservice.Store
	records    dek.RecordStore
	audit      audit.Store
	transactor dek.Transactor
}

// buildApp assembles every component from cfg. On error, whatever was
// already opened is closed.
func buildApp(ctx context.Context, cfg config.Server, logger *slog.Logger, reg prometheus.Registerer) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	provider, err := master.Load(master.Config{
		KeyMaterial:    cfg.Crypto.MasterKey,
		AllowEphemeral: !cfg.IsProduction(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	secret, err := token.ResolveSecret(cfg.Token.SigningSecret, cfg.IsProduction(), logger)
	if err != nil {
		return nil, fmt.Errorf("token signing secret: %w", err)
	}

	checks := []health.Option{health.WithCheck("crypto", health.CryptoCheck(provider))}

	var st storage
	if cfg.Persistent() {
		pgChecks, err := a.openPostgres(ctx, cfg, logger, &st)
		if err != nil {
			return nil, err
		}
		checks = append(checks, pgChecks...)
	} else {
		logger.Warn("DATABASE_URL not set: profiles, keys and audit entries are kept in memory")
		openMemory(&st)
	}

	keyOpts := []dek.Option{
		dek.WithLogger(logger),
		dek.WithMetrics(keysmetrics.New(reg)),
		dek.WithCache(dek.NewLRUCache(cfg.Crypto.DEKCacheSize, cfg.Crypto.DEKCacheTTL)),
		dek.WithTransactor(st.transactor),
		dek.WithBatchSize(cfg.Crypto.RotationBatchSize),
		dek.WithLockTTL(cfg.Crypto.RotationLockTTL),
	}
	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	if redisClient != nil {
		a.closers = append(a.closers, func() { _ = redisClient.Close() })
		keyOpts = append(keyOpts, dek.WithLocker(lock.NewRedisLocker(redisClient.Client, logger)))
		checks = append(checks, health.WithCheck("redis", redisClient.Health))
	} else {
		logger.Warn("REDIS_URL not set: key rotation is serialized per process only")
	}
	keys := dek.New(provider, st.keys, st.rotations, st.records, keyOpts...)

	auditOpts := []auditsvc.Option{
		auditsvc.WithLogger(logger),
		auditsvc.WithMetrics(auditsvc.NewMetrics(reg)),
	}
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := stream.New(stream.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          cfg.Kafka.AuditTopic,
			ProduceTimeout: cfg.Kafka.ProduceTimeout,
		}, stream.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, publisher.Close)
		if err := publisher.EnsureTopic(ctx, cfg.Kafka.Partitions, cfg.Kafka.ReplicationFactor); err != nil {
			logger.Warn("failed to ensure audit topic", "topic", cfg.Kafka.AuditTopic, "error", err)
		}
		auditOpts = append(auditOpts, auditsvc.WithPublisher(publisher))
	}
	auditService := auditsvc.New(st.audit, auditOpts...)

	tokens := token.NewService(secret,
		token.WithLogger(logger),
		token.WithTTLs(cfg.Token.UserTTL, cfg.Token.ServiceTTL),
		token.WithAuditor(auditService),
	)
	profiles := profileservice.New(st.profiles, fieldcrypt.New(keys),
		profileservice.NewDigester(provider.DigestKey()), auditService,
		profileservice.WithLogger(logger),
		profileservice.WithMetrics(profilemetrics.New(reg)),
		profileservice.WithKeyInvalidator(keys),
	)

	routes := httptransport.Routes{
		Logger:       logger,
		Health:       health.New(logger, checks...),
		Profiles:     profilehandler.New(profiles, tokens, auditService, logger),
		Admin:        admin.New(keys, auditService, logger),
		Tokens:       tokenhandler.New(tokens, logger),
		AdminToken:   cfg.AdminToken,
		AdminCallers: cfg.MTLS.AdminCallers,
		TokenIssuers: cfg.Token.IssuerCallers,
	}
	if cfg.MTLS.Enabled {
		a.tlsConfig, err = mtls.ServerTLSConfig(cfg.MTLS.CertFile, cfg.MTLS.KeyFile, cfg.MTLS.ClientCAFile)
		if err != nil {
			return nil, err
		}
		routes.Gate = mtls.NewGate(gateCallers(cfg),
			mtls.WithLogger(logger),
			mtls.WithMetrics(mtls.NewMetrics(reg)),
		)
	} else if cfg.IsProduction() {
		logger.Warn("MTLS_ENABLED is false in production: callers are not authenticated at the transport")
	}
	a.handler = httptransport.NewRouter(routes)
	return a, nil
}

func (a *app) openPostgres(ctx context.Context, cfg config.Server, logger *slog.Logger, st *storage) ([]health.Option, error) {
	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = db.Close() })
	if err := postgres.Migrate(ctx, db, logger); err != nil {
		return nil, err
	}
	if cfg.AuditDatabase.URL != cfg.Database.URL {
		if err := migrateSeparate(ctx, cfg.AuditDatabase, logger); err != nil {
			return nil, err
		}
	}
	pool, err := postgres.OpenPool(ctx, cfg.AuditDatabase)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)

	profiles := profilestore.NewPostgres(db)
	*st = storage{
		keys:       keystore.NewPostgresKeyStore(db),
		rotations:  keystore.NewPostgresRotationStore(db),
		profiles:   profiles,
		records:    profiles,
		audit:      auditpostgres.New(pool),
		transactor: tx.NewTransactor(db),
	}
	return []health.Option{
		health.WithCheck("profile_db", postgres.Healthcheck(db)),
		health.WithCheck("audit_db", postgres.PoolHealthcheck(pool)),
	}, nil
}

func migrateSeparate(ctx context.Context, cfg postgres.Config, logger *slog.Logger) error {
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return postgres.Migrate(ctx, db, logger)
}

// openMemory wires the in-memory stores. The barrier is shared by the key
// manager's commit and the profile store's version guard so a rotation's
// final commit excludes writes sealed under the old key.
func openMemory(st *storage) {
	barrier := &tx.Barrier{}
	keys := keystore.NewInMemoryKeyStore()
	profiles := profilestore.NewInMemory(profilestore.WithVersionGuard(keys.CurrentVersion, barrier))
	*st = storage{
		keys:       keys,
		rotations:  keystore.NewInMemoryRotationStore(),
		profiles:   profiles,
		records:    profiles,
		audit:      auditmemory.NewInMemoryStore(),
		transactor: barrier,
	}
}

// gateCallers is every identity the gate must admit; route groups narrow it.
func gateCallers(cfg config.Server) []string {
	callers := slices.Concat(cfg.MTLS.AllowedCallers, cfg.Token.IssuerCallers, cfg.MTLS.AdminCallers)
	slices.Sort(callers)
	return slices.Compact(callers)
}
