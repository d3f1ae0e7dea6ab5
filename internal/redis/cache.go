package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling/internal/appointment"
)

// SlotConfigCache is a read-through cache in front of the clinic slot config
// table. Redis failures fall through to the source.
type SlotConfigCache struct {
	client *redis.Client
	source appointment.ClinicConfigStore
	ttl    time.Duration
	logger zerolog.Logger
}

func NewSlotConfigCache(client *redis.Client, source appointment.ClinicConfigStore, ttl time.Duration, logger zerolog.Logger) *SlotConfigCache {
	return &SlotConfigCache{
		client: client,
		source: source,
		ttl:    ttl,
		logger: logger,
	}
}

// cachedConfig records a missing config too, so unconfigured tenants do not
// hit the database on every request.
type cachedConfig struct {
	Missing bool                          `json:"missing,omitempty"`
	Config  *appointment.ClinicSlotConfig `json:"config,omitempty"`
}

func configKey(tenantID uuid.UUID) string {
	return "clinic:slot-config:" + tenantID.String()
}

func (c *SlotConfigCache) FindClinicSlotConfig(ctx context.Context, tenantID uuid.UUID) (*appointment.ClinicSlotConfig, error) {
	key := configKey(tenantID)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached cachedConfig
		if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
			if cached.Missing {
				return nil, appointment.ErrClinicConfigNotFound
			}
			if cached.Config != nil {
				return cached.Config, nil
			}
		}
		c.logger.Warn().Str("key", key).Msg("discarding unreadable cached clinic config")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("tenant_id", tenantID.String()).Msg("clinic config cache read failed")
	}

	cfg, err := c.source.FindClinicSlotConfig(ctx, tenantID)
	var entry cachedConfig
	switch {
	case err == nil:
		entry.Config = cfg
	case errors.Is(err, appointment.ErrClinicConfigNotFound):
		entry.Missing = true
	default:
		return nil, err
	}

	c.store(ctx, key, entry)
	return cfg, err
}

// Invalidate drops the cached config of a tenant after it was edited.
func (c *SlotConfigCache) Invalidate(ctx context.Context, tenantID uuid.UUID) error {
	return c.client.Del(ctx, configKey(tenantID)).Err()
}

func (c *SlotConfigCache) store(ctx context.Context, key string, entry cachedConfig) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("clinic config cache write failed")
	}
}
