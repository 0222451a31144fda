package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// NATSKV backs the state cache with a JetStream key-value bucket, for
// deployments that already run NATS and would rather not add Redis.
// Writes are guarded by the entry revision so racing processes keep the
// highest version.
type NATSKV struct {
	kv     jetstream.KeyValue
	logger *zap.Logger
}

// NewNATSKV creates or opens the bucket. The bucket TTL bounds how long a
// dead workflow's state lingers.
func NewNATSKV(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration, logger *zap.Logger) (*NATSKV, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  bucket,
		TTL:     ttl,
		History: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("open kv bucket %s: %w", bucket, err)
	}
	return &NATSKV{kv: kv, logger: logger}, nil
}

// KV keys constrain the character set, so workflow ids are stored under
// their hex digest.
func kvKey(workflowID string) string {
	sum := md5.Sum([]byte(workflowID))
	return hex.EncodeToString(sum[:])
}

func (c *NATSKV) Get(ctx context.Context, workflowID string) ([]byte, int, bool) {
	entry, err := c.kv.Get(ctx, kvKey(workflowID))
	if err != nil {
		if !errors.Is(err, jetstream.ErrKeyNotFound) {
			c.logger.Debug("State cache read failed",
				zap.String("workflow_id", workflowID), zap.Error(err))
		}
		return nil, 0, false
	}
	state, version, err := splitVersioned(entry.Value())
	if err != nil {
		c.logger.Debug("State cache entry malformed",
			zap.String("workflow_id", workflowID), zap.Error(err))
		return nil, 0, false
	}
	return state, version, true
}

func (c *NATSKV) Put(ctx context.Context, workflowID string, state []byte, version int) {
	key := kvKey(workflowID)
	val := encodeVersioned(state, version)

	// Two attempts: losing a revision race once means another writer just
	// stored something, and the second read decides whose version wins.
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := c.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			if _, err := c.kv.Create(ctx, key, val); err == nil || !errors.Is(err, jetstream.ErrKeyExists) {
				if err != nil {
					c.logger.Debug("State cache write failed",
						zap.String("workflow_id", workflowID), zap.Error(err))
				}
				return
			}
			continue
		}
		if err != nil {
			c.logger.Debug("State cache read failed",
				zap.String("workflow_id", workflowID), zap.Error(err))
			return
		}

		if _, curVersion, err := splitVersioned(cur.Value()); err == nil && curVersion >= version {
			return
		}
		if _, err := c.kv.Update(ctx, key, val, cur.Revision()); err == nil {
			return
		}
	}
}

func (c *NATSKV) Delete(ctx context.Context, workflowID string) {
	if err := c.kv.Delete(ctx, kvKey(workflowID)); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		c.logger.Debug("State cache delete failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
}
