// sentiric-voice-orchestrator/internal/state/manager.go
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	snapshotKeyPrefix = "callstate:"
	startLockPrefix   = "lock:call_started:"
	snapshotTTL       = 2 * time.Hour
	startLockTTL      = 10 * time.Second
)

// Manager, çağrı anlık görüntülerini Redis'te JSON olarak saklar.
type Manager struct {
	rdb *redis.Client
}

func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

func (m *Manager) RedisClient() *redis.Client {
	return m.rdb
}

// Get, çağrının son anlık görüntüsünü döner. Kayıt yoksa (nil, nil) döner.
func (m *Manager) Get(ctx context.Context, callID string) (*CallState, error) {
	val, err := m.rdb.Get(ctx, snapshotKeyPrefix+callID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var st CallState
	if err := json.Unmarshal([]byte(val), &st); err != nil {
		return nil, fmt.Errorf("çağrı durumu çözümlenemedi: %w", err)
	}
	return &st, nil
}

func (m *Manager) Set(ctx context.Context, st *CallState) error {
	val, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return m.rdb.Set(ctx, snapshotKeyPrefix+st.CallID, val, snapshotTTL).Err()
}

func (m *Manager) Delete(ctx context.Context, callID string) error {
	return m.rdb.Del(ctx, snapshotKeyPrefix+callID).Err()
}

// AcquireStartLock, aynı call.started olayının iki kez işlenmesini engeller.
// Kilit ilk alındığında true döner.
func (m *Manager) AcquireStartLock(ctx context.Context, callID string) (bool, error) {
	return m.rdb.SetNX(ctx, startLockPrefix+callID, "1", startLockTTL).Result()
}
