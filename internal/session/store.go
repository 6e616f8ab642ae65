// Package session holds the server-side mirrors of the client's persisted
// wizard state: one active session, a short-lived recovery pointer, and a
// capped ring of recently completed cards, each behind its own retention
// window. Expiry is delegated to Redis key TTLs, so reads of lapsed records
// simply come back absent.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"vibecarding/internal/models"
)

// Retention windows. One authoritative table; the client tracker declares the
// same values for its local records.
const (
	SessionTTL  = 24 * time.Hour
	RecoveryTTL = time.Hour
	RecentTTL   = 30 * 24 * time.Hour

	// RecentCap bounds the recent-cards ring.
	RecentCap = 5
)

// Record is the active session: accumulated form input plus wizard position.
type Record struct {
	FormData    models.CardForm    `json:"formData"`
	WizardState models.WizardState `json:"wizardState"`
	SavedAt     time.Time          `json:"savedAt"`
}

// Recovery is a short-lived pointer from a client to its in-flight job.
type Recovery struct {
	JobID    string          `json:"jobId"`
	FormData models.CardForm `json:"formData"`
	SavedAt  time.Time       `json:"savedAt"`
}

// Store persists per-client session records in Redis.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func sessionKey(clientID string) string  { return "session:active:" + clientID }
func recoveryKey(clientID string) string { return "session:recovery:" + clientID }
func recentKey(clientID string) string   { return "session:recent:" + clientID }

// SaveSession stores the active session under the 24h window, replacing any
// previous one.
func (s *Store) SaveSession(ctx context.Context, clientID string, rec Record) error {
	rec.SavedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.rdb.Set(ctx, sessionKey(clientID), raw, SessionTTL).Err()
}

// GetSession returns the active session, or nil when absent or expired.
func (s *Store) GetSession(ctx context.Context, clientID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &rec, nil
}

func (s *Store) ClearSession(ctx context.Context, clientID string) error {
	return s.rdb.Del(ctx, sessionKey(clientID)).Err()
}

// SaveRecovery stores the job/form pointer used to reattach after a refresh.
func (s *Store) SaveRecovery(ctx context.Context, clientID string, rec Recovery) error {
	rec.SavedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal recovery: %w", err)
	}
	return s.rdb.Set(ctx, recoveryKey(clientID), raw, RecoveryTTL).Err()
}

// GetRecovery returns the recovery pointer, or nil when absent or expired.
func (s *Store) GetRecovery(ctx context.Context, clientID string) (*Recovery, error) {
	raw, err := s.rdb.Get(ctx, recoveryKey(clientID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get recovery: %w", err)
	}
	var rec Recovery
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal recovery: %w", err)
	}
	return &rec, nil
}

func (s *Store) ClearRecovery(ctx context.Context, clientID string) error {
	return s.rdb.Del(ctx, recoveryKey(clientID)).Err()
}

// AddRecentCard pushes a completed card onto the client's ring, trimming to
// RecentCap and refreshing the retention window.
func (s *Store) AddRecentCard(ctx context.Context, clientID string, card models.CardData) error {
	raw, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal card: %w", err)
	}
	key := recentKey(clientID)
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, RecentCap-1)
	pipe.Expire(ctx, key, RecentTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentCards lists the ring, newest first.
func (s *Store) RecentCards(ctx context.Context, clientID string) ([]models.CardData, error) {
	raws, err := s.rdb.LRange(ctx, recentKey(clientID), 0, RecentCap-1).Result()
	if err != nil {
		return nil, fmt.Errorf("range recent cards: %w", err)
	}
	cards := make([]models.CardData, 0, len(raws))
	for _, raw := range raws {
		var c models.CardData
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue // skip corrupt entries rather than failing the listing
		}
		cards = append(cards, c)
	}
	return cards, nil
}

// ClearAll removes every record for the client.
func (s *Store) ClearAll(ctx context.Context, clientID string) error {
	return s.rdb.Del(ctx, sessionKey(clientID), recoveryKey(clientID), recentKey(clientID)).Err()
}
