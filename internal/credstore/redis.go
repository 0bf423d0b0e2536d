package credstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/bitguard/internal/apperrors"
	"github.com/nkiryanov/bitguard/internal/models"
)

const redisKeyPrefix = "console:credentials:"

// RedisStore keeps the pair in a hash per profile
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

func NewRedisStore(client redis.UniversalClient, profile string) *RedisStore {
	return &RedisStore{
		client: client,
		key:    redisKeyPrefix + profile,
	}
}

func (s *RedisStore) Save(ctx context.Context, creds models.Credentials) error {
	if !creds.Valid() {
		return fmt.Errorf("redis store error: %w", apperrors.ErrPartialCredentials)
	}

	// MULTI/EXEC, so other readers never see only one field updated
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.HSet(ctx, s.key, AccessKey, creds.Access, RefreshKey, creds.Refresh)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store error: %w", err)
	}

	return nil
}

func (s *RedisStore) Load(ctx context.Context) (models.Credentials, error) {
	return s.load(ctx, s.client)
}

// Replace watches the key: a Clear or Save from anybody between read and EXEC aborts the swap
func (s *RedisStore) Replace(ctx context.Context, refresh string, creds models.Credentials) error {
	if !creds.Valid() {
		return fmt.Errorf("redis store error: %w", apperrors.ErrPartialCredentials)
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx)
		switch {
		case errors.Is(err, apperrors.ErrCredentialsNotFound):
			return apperrors.ErrCredentialsChanged
		case err != nil:
			return err
		case current.Refresh != refresh:
			return apperrors.ErrCredentialsChanged
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.key, AccessKey, creds.Access, RefreshKey, creds.Refresh)
			return nil
		})
		return err
	}, s.key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr):
		return fmt.Errorf("redis store error: %w", apperrors.ErrCredentialsChanged)
	default:
		return fmt.Errorf("redis store error: %w", err)
	}
}

// Satisfied by the client and by *redis.Tx inside Watch
type hashReader interface {
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

func (s *RedisStore) load(ctx context.Context, c hashReader) (models.Credentials, error) {
	values, err := c.HMGet(ctx, s.key, AccessKey, RefreshKey).Result()
	if err != nil {
		return models.Credentials{}, fmt.Errorf("redis store error: %w", err)
	}

	str := func(v any) string {
		s, _ := v.(string)
		return s
	}
	creds := models.Credentials{Access: str(values[0]), Refresh: str(values[1])}

	if !creds.Valid() {
		return models.Credentials{}, fmt.Errorf("redis store error: %w", apperrors.ErrCredentialsNotFound)
	}

	return creds, nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	err := s.client.Del(ctx, s.key).Err()
	if err != nil {
		return fmt.Errorf("redis store error: %w", err)
	}

	return nil
}
