package main

import (
	"context"
	"os"
	"os/signal"
	"pastabin/cfg"
	"pastabin/pkg/i18n"
	"pastabin/pkg/ident"
	"pastabin/pkg/secrets"
	"pastabin/svc/api"
	"pastabin/svc/auth"
	"pastabin/svc/cache"
	"pastabin/svc/db"
	"pastabin/svc/lim"
	"pastabin/svc/svc"
	"pastabin/svc/util"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthCheck())
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		util.Warn().Err(err).Msg("failed to read .env")
	}
	c, err := cfg.Load()
	if err != nil {
		util.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}
	defer c.Wipe()
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting pastabin")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if c.SecretsFromProvider {
		if err := loadSecrets(ctx, c); err != nil {
			util.Fatal().Err(err).Msg("CRITICAL: failed to load secrets")
		}
	}
	codec, err := ident.New(c.HashIDs, c.HashIDsSalt.Value())
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize id codec")
	}
	tokens, err := cache.NewTokens(codec, c.TokenCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create token cache")
	}
	util.Info().Str("codec", codec.Name()).Int("size", c.TokenCacheSize).Msg("id codec initialized")

	if err := os.MkdirAll(c.AttachmentsDir(), 0o750); err != nil {
		util.Fatal().Err(err).Str("path", c.DataDir).Msg("failed to create data directory")
	}
	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath(), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer sqlDB.Close()
	pastas, err := cache.Load(ctx, sqlDB, tokens)
	if err != nil {
		util.Fatal().Err(err).Str("path", c.DatabasePath()).Msg("CRITICAL: failed to load pastas")
	}
	util.Info().Str("path", c.DatabasePath()).Int("pastas", pastas.Len()).Msg("database loaded")

	var rdb *db.Redis
	var counter lim.Counter
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(ctx, c)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("CRITICAL: Redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, using local rate limits")
			rdb = nil
		} else {
			util.Info().Msg("redis connected")
			counter = rdb
			defer rdb.Close()
		}
	}

	sealer, err := auth.NewSealer(c.Argon2Time, c.Argon2Memory, c.Argon2Parallelism, c.SealWorkers)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize sealer")
	}
	pastaSvc := svc.NewPasta(pastas, auth.NewVerifier(sealer, c.AdminPassword), c.AttachmentsDir())

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, c.RateLimit.ConservativeLimit, counter, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pastaSvc, limiter, i18n.NewCatalog(c.DefaultLang), sqlDB, rdb)

	cleanerDone := svc.StartCleaner(ctx, pastas, c.SweepInterval)
	walDone := make(chan struct{})
	go func() {
		defer close(walDone)
		sqlDB.StartCheckpointer(ctx, c.CheckpointInterval)
	}()

	util.Info().Str("port", c.Port).Str("environment", c.Environment).Msg("server starting")
	go func() {
		if err := server.Start(); err != nil {
			util.Fatal().Err(err).Msg("server failed")
		}
	}()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	util.Info().Msg("shutting down gracefully...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		util.Error().Err(err).Msg("server shutdown error")
	}
	pastaSvc.Shutdown()
	cancel()
	for name, done := range map[string]<-chan struct{}{"cleaner": cleanerDone, "checkpointer": walDone} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			util.Warn().Str("worker", name).Msg("worker did not stop gracefully")
		}
	}
	util.Info().Msg("shutdown complete")
}

// loadSecrets replaces the env-provided salt and admin password with the
// provider's values.
func loadSecrets(ctx context.Context, c *cfg.Cfg) error {
	chain, err := secrets.FromEnv(ctx)
	if err != nil {
		return err
	}
	provider := secrets.NewCache(chain, c.SecretsCacheTTL)
	util.Info().Str("provider", provider.Name()).Msg("secrets provider initialized")
	if c.HashIDs {
		salt, err := provider.GetSecret(ctx, "HASH_IDS_SALT")
		if err != nil {
			return errors.Wrap(err, "HASH_IDS_SALT")
		}
		if salt == "" {
			return errors.New("HASH_IDS_SALT is empty")
		}
		c.HashIDsSalt.Wipe()
		c.HashIDsSalt = cfg.NewSecret(salt)
	}
	admin, err := provider.GetSecret(ctx, "ADMIN_PASSWORD")
	switch {
	case err == nil:
		c.AdminPassword.Wipe()
		c.AdminPassword = cfg.NewSecret(admin)
	case errors.Is(err, secrets.ErrSecretNotFound):
		util.Debug().Msg("no admin password in secrets provider")
	default:
		return errors.Wrap(err, "ADMIN_PASSWORD")
	}
	return nil
}

// healthCheck is the container probe: exit 0 when the database file opens and answers.
func healthCheck() int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "pasta_data"
	}
	sqlDB, err := db.NewSQLite(filepath.Join(dataDir, "database.sqlite"))
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
