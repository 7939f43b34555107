// sentiric-voice-orchestrator/internal/database/postgres.go

package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

const (
	maxRetries  = 10
	retryDelay  = 5 * time.Second
	pingTimeout = 5 * time.Second
)

// Connect, yeniden deneme mekanizması ile PostgreSQL'e bağlanır.
func Connect(ctx context.Context, url string, log zerolog.Logger) (*sql.DB, error) {
	config, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgresql URL parse edilemedi: %w", err)
	}
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	finalURL := stdlib.RegisterConnConfig(config.ConnConfig)

	var db *sql.DB
	err = retry(ctx, log, "Veritabanına", func() error {
		var openErr error
		db, openErr = sql.Open("pgx", finalURL)
		if openErr != nil {
			return openErr
		}
		db.SetConnMaxLifetime(3 * time.Minute)
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)

		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if pingErr := db.PingContext(pingCtx); pingErr != nil {
			db.Close()
			return pingErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Veritabanına bağlantı başarılı (Simple Protocol Mode).")
	return db, nil
}

// ConnectRedis, yeniden deneme mekanizması ile Redis'e bağlanır.
func ConnectRedis(ctx context.Context, url string, log zerolog.Logger) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis URL parse edilemedi: %w", err)
	}

	var rdb *redis.Client
	err = retry(ctx, log, "Redis'e", func() error {
		rdb = redis.NewClient(opt)
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if pingErr := rdb.Ping(pingCtx).Err(); pingErr != nil {
			rdb.Close()
			return pingErr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info().Msg("Redis bağlantısı başarılı.")
	return rdb, nil
}

// retry, altyapı bağlantıları için sabit aralıklı bekleme döngüsüdür. Süreç
// açılışında bir kez çalışır; çağrı yolundaki dayanıklılık resilience
// paketindedir.
func retry(ctx context.Context, log zerolog.Logger, target string, fn func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() == nil {
			log.Warn().Err(err).Int("attempt", i+1).Int("max_attempts", maxRetries).Msgf("%s bağlanılamadı, %s sonra tekrar denenecek...", target, retryDelay)
		}
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("maksimum deneme (%d) sonrası %s bağlanılamadı: %w", maxRetries, target, err)
}
