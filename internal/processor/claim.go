package processor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ClaimGuard serializes work per recording across worker replicas. A claim
// is a Redis key set with NX and a TTL: the TTL releases claims left behind
// by a crashed worker, a clean finish deletes the key explicitly.
type ClaimGuard struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClaimGuard creates a claim guard with the given claim TTL.
func NewClaimGuard(rdb *redis.Client, ttl time.Duration) *ClaimGuard {
	return &ClaimGuard{rdb: rdb, ttl: ttl}
}

func claimKey(recordingID string) string {
	return "handpose:claim:" + recordingID
}

// Acquire attempts to claim a recording. It returns false when another
// worker already holds the claim.
func (g *ClaimGuard) Acquire(ctx context.Context, recordingID string) (bool, error) {
	host, _ := os.Hostname()
	token := fmt.Sprintf("%s-%d", host, time.Now().UnixMilli())

	ok, err := g.rdb.SetNX(ctx, claimKey(recordingID), token, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire claim for %s: %w", recordingID, err)
	}
	return ok, nil
}

// Release drops the claim. Best-effort: an undeleted claim expires with its
// TTL.
func (g *ClaimGuard) Release(ctx context.Context, recordingID string) {
	if err := g.rdb.Del(ctx, claimKey(recordingID)).Err(); err != nil {
		log.Warn().Err(err).Str("recordingId", recordingID).Msg("Could not release claim")
	}
}
