package storage

import (
	"fmt"
	"github.com/go-redis/redis/v7"
	"math"
	"strconv"
	"time"
	"zcoder.me/pkg/utils"
)

// Snapshot is the last flushed state of a room's shared buffer.
type Snapshot struct {
	Code       string
	LanguageID int
	UpdatedAt  time.Time
}

type Storage interface {
	SaveSnapshot(roomID string, s *Snapshot) error
	// GetSnapshot returns nil without error when the room has no snapshot.
	GetSnapshot(roomID string) (*Snapshot, error)
	DeleteSnapshot(roomID string) error
	IncrVisits() (int64, error)
	GetVisitsByDate(date time.Time) (int64, error)
}

type storage struct {
	rdb *redis.Client
	ttl time.Duration
}

// New returns a redis-backed Storage; snapshots expire ttl after their last flush.
func New(rdb *redis.Client, ttl time.Duration) Storage {
	return &storage{rdb: rdb, ttl: ttl}
}

func snapshotKey(roomID string) string {
	return "room:" + roomID + ":snapshot"
}

func (s *storage) SaveSnapshot(roomID string, snap *Snapshot) error {
	key := snapshotKey(roomID)
	data := map[string]interface{}{
		"code":        snap.Code,
		"language_id": snap.LanguageID,
		"updated_at":  snap.UpdatedAt.UnixNano(),
	}
	_, err := s.rdb.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.HSet(key, data)
		if s.ttl > 0 {
			pipe.Expire(key, s.ttl)
		}
		return nil
	})
	return err
}

func (s *storage) GetSnapshot(roomID string) (*Snapshot, error) {
	data, err := s.rdb.HGetAll(snapshotKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	// an unreadable language keeps the room's persisted one
	snap := &Snapshot{
		Code:       data["code"],
		LanguageID: utils.ParseInt(data["language_id"], 0, 1, math.MaxInt32),
	}
	if v, ok := data["updated_at"]; ok {
		nanos, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: updated_at: %w", roomID, err)
		}
		snap.UpdatedAt = time.Unix(0, nanos)
	}
	return snap, nil
}

func (s *storage) DeleteSnapshot(roomID string) error {
	return s.rdb.Del(snapshotKey(roomID)).Err()
}

func (s *storage) IncrVisits() (int64, error) {
	return s.rdb.Incr("visits:" + time.Now().Format("02.01.06")).Result()
}

func (s *storage) GetVisitsByDate(date time.Time) (int64, error) {
	n, err := s.rdb.Get("visits:" + date.Format("02.01.06")).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
