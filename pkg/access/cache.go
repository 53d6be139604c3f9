package access

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medichain/platform/pkg/common/logger"
	"github.com/medichain/platform/pkg/common/models"
	"github.com/redis/go-redis/v9"
)

// CachedGrantStore fronts a GrantStore with a redis TTL cache for active
// emergency grants. Every command consults the grant index, so the hot pair
// lookup is served from redis; writes go through and invalidate.
type CachedGrantStore struct {
	GrantStore
	client *redis.Client
}

func NewCachedGrantStore(store GrantStore, client *redis.Client) *CachedGrantStore {
	return &CachedGrantStore{GrantStore: store, client: client}
}

func emergencyPairKey(patientID, granteeID string) string {
	return fmt.Sprintf("emergency:%s:%s", patientID, granteeID)
}

func (c *CachedGrantStore) ActiveEmergency(ctx context.Context, patientID, granteeID string, now time.Time) (*models.EmergencyGrant, error) {
	key := emergencyPairKey(patientID, granteeID)

	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var grant models.EmergencyGrant
		if err := json.Unmarshal(raw, &grant); err == nil {
			if grant.ActiveAt(now) {
				return &grant, nil
			}
			// Stale entry: fall through to the store, which is authoritative.
		}
	}

	grant, err := c.GrantStore.ActiveEmergency(ctx, patientID, granteeID, now)
	if err != nil || grant == nil {
		return grant, err
	}

	if raw, err := json.Marshal(grant); err == nil {
		ttl := grant.ExpiresAt.Sub(now)
		if ttl > 0 {
			if err := c.client.Set(ctx, key, raw, ttl).Err(); err != nil {
				logger.Component("access").WithError(err).Warn("failed to cache emergency grant")
			}
		}
	}
	return grant, nil
}

func (c *CachedGrantStore) CreateEmergency(ctx context.Context, grant models.EmergencyGrant) error {
	if err := c.GrantStore.CreateEmergency(ctx, grant); err != nil {
		return err
	}
	c.client.Del(ctx, emergencyPairKey(grant.PatientID, grant.GranteeID))
	return nil
}

func (c *CachedGrantStore) RevokeEmergency(ctx context.Context, grantID string) error {
	grant, _ := c.GrantStore.GetEmergency(ctx, grantID)
	if err := c.GrantStore.RevokeEmergency(ctx, grantID); err != nil {
		return err
	}
	if grant != nil {
		c.client.Del(ctx, emergencyPairKey(grant.PatientID, grant.GranteeID))
	}
	return nil
}

func (c *CachedGrantStore) DeleteEmergency(ctx context.Context, grantID string) error {
	grant, _ := c.GrantStore.GetEmergency(ctx, grantID)
	if err := c.GrantStore.DeleteEmergency(ctx, grantID); err != nil {
		return err
	}
	if grant != nil {
		c.client.Del(ctx, emergencyPairKey(grant.PatientID, grant.GranteeID))
	}
	return nil
}
