package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound, istenen şablon veya anons bulunamadığında döner.
var ErrNotFound = errors.New("kayıt bulunamadı")

// GetTemplateFromDB, kiracıya özel şablonu, yoksa 'system' şablonunu döner.
func GetTemplateFromDB(ctx context.Context, db *sql.DB, templateID, languageCode, tenantID string) (string, error) {
	var content string
	query := `
		SELECT content FROM templates
		WHERE id = $1 AND language_code = $2 AND (tenant_id = $3 OR tenant_id = 'system')
		ORDER BY tenant_id DESC LIMIT 1`
	err := db.QueryRowContext(ctx, query, templateID, languageCode, tenantID).Scan(&content)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: şablon id=%s, lang=%s, tenant=%s", ErrNotFound, templateID, languageCode, tenantID)
		}
		return "", fmt.Errorf("şablon sorgusu başarısız: %w", err)
	}
	return content, nil
}

func GetAnnouncementPathFromDB(ctx context.Context, db *sql.DB, announcementID, tenantID, languageCode string) (string, error) {
	var audioPath string
	query := `
        SELECT audio_path FROM announcements
        WHERE id = $1 AND language_code = $2 AND (tenant_id = $3 OR tenant_id = 'system')
        ORDER BY tenant_id DESC LIMIT 1`
	err := db.QueryRowContext(ctx, query, announcementID, languageCode, tenantID).Scan(&audioPath)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: anons id=%s, tenant=%s, lang=%s", ErrNotFound, announcementID, tenantID, languageCode)
		}
		return "", fmt.Errorf("anons sorgusu başarısız: %w", err)
	}
	return audioPath, nil
}

// CallSummaryRecord, call_summaries tablosundaki tek bir satırdır.
type CallSummaryRecord struct {
	CallID        string
	TenantID      string
	CallerAddress string
	StartedAt     time.Time
	EndedAt       time.Time
	Summary       string
	Fallback      bool
	TurnCount     int
	DegradedTurns int
	Transitions   uint64
	InvalidCount  uint64
	TimeInPhaseMs map[string]int64
}

const createCallSummaries = `
CREATE TABLE IF NOT EXISTS call_summaries (
	call_id          TEXT PRIMARY KEY,
	tenant_id        TEXT NOT NULL DEFAULT 'system',
	caller_address   TEXT NOT NULL DEFAULT '',
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ NOT NULL,
	summary          TEXT NOT NULL,
	fallback_summary BOOLEAN NOT NULL DEFAULT FALSE,
	turn_count       INTEGER NOT NULL DEFAULT 0,
	degraded_turns   INTEGER NOT NULL DEFAULT 0,
	transitions      BIGINT NOT NULL DEFAULT 0,
	invalid_count    BIGINT NOT NULL DEFAULT 0,
	time_in_phase    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// EnsureCallSummarySchema, call_summaries tablosunu yoksa oluşturur.
func EnsureCallSummarySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createCallSummaries); err != nil {
		return fmt.Errorf("call_summaries tablosu oluşturulamadı: %w", err)
	}
	return nil
}

// SaveCallSummary, çağrı özetini arşivler. Aynı çağrı tekrar yazılırsa
// satır güncellenir.
func SaveCallSummary(ctx context.Context, db *sql.DB, rec CallSummaryRecord) error {
	phases, err := json.Marshal(rec.TimeInPhaseMs)
	if err != nil {
		return fmt.Errorf("faz süreleri JSON'a çevrilemedi: %w", err)
	}
	tenant := rec.TenantID
	if tenant == "" {
		tenant = "system"
	}
	query := `
		INSERT INTO call_summaries
			(call_id, tenant_id, caller_address, started_at, ended_at, summary, fallback_summary,
			 turn_count, degraded_turns, transitions, invalid_count, time_in_phase)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (call_id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			summary = EXCLUDED.summary,
			fallback_summary = EXCLUDED.fallback_summary,
			turn_count = EXCLUDED.turn_count,
			degraded_turns = EXCLUDED.degraded_turns,
			transitions = EXCLUDED.transitions,
			invalid_count = EXCLUDED.invalid_count,
			time_in_phase = EXCLUDED.time_in_phase`
	_, err = db.ExecContext(ctx, query,
		rec.CallID, tenant, rec.CallerAddress, rec.StartedAt, rec.EndedAt, rec.Summary, rec.Fallback,
		rec.TurnCount, rec.DegradedTurns, int64(rec.Transitions), int64(rec.InvalidCount), string(phases))
	if err != nil {
		return fmt.Errorf("çağrı özeti kaydedilemedi: %w", err)
	}
	return nil
}
