package pinroute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	DEFAULT_REDIS_PREFIX = "pinroute"

	redisScanCount = 512
)

// RedisBackend shares profiles between proxy nodes. Profiles live in one hash
// keyed by JA3; observations are appended to a stream.
type RedisBackend struct {
	client       redis.UniversalClient
	profilesKey  string
	observations string
}

// NewRedisBackend uses client with keys under prefix (DEFAULT_REDIS_PREFIX if
// empty). The backend owns client and closes it on Close.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DEFAULT_REDIS_PREFIX
	}
	return &RedisBackend{
		client:       client,
		profilesKey:  prefix + ":profiles",
		observations: prefix + ":observations",
	}
}

// DialRedisBackend connects to a single redis server and checks it answers.
func DialRedisBackend(ctx context.Context, addr, password string, db int, prefix string) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisBackend(client, prefix), nil
}

func (r *RedisBackend) LoadProfile(ctx context.Context, ja3 string) (*AppProfile, error) {
	b, err := r.client.HGet(ctx, r.profilesKey, ja3).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeProfile(b)
}

func (r *RedisBackend) ForEachProfile(ctx context.Context, fn func(*AppProfile) error) error {
	iter := r.client.HScan(ctx, r.profilesKey, 0, "", redisScanCount).Iterator()
	for iter.Next(ctx) {
		ja3 := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		p, err := decodeProfile([]byte(iter.Val()))
		if err != nil {
			return fmt.Errorf("decode profile %s: %w", ja3, err)
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (r *RedisBackend) SaveProfiles(ctx context.Context, profiles []*AppProfile) error {
	if len(profiles) == 0 {
		return nil
	}
	fields := make([]interface{}, 0, 2*len(profiles))
	for _, p := range profiles {
		v, err := encodeProfile(p)
		if err != nil {
			return err
		}
		fields = append(fields, p.JA3, v)
	}
	return r.client.HSet(ctx, r.profilesKey, fields...).Err()
}

func (r *RedisBackend) AppendObservations(ctx context.Context, records []ObservationRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, rec := range records {
			v, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: r.observations,
				Values: map[string]interface{}{"rec": v},
			})
		}
		return nil
	})
	return err
}

// ReplayObservations walks the observation stream from the beginning.
func (r *RedisBackend) ReplayObservations(fn func(ObservationRecord) error) error {
	ctx := context.Background()
	start := "-"
	for {
		msgs, err := r.client.XRangeN(ctx, r.observations, start, "+", redisScanCount).Result()
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			raw, _ := msg.Values["rec"].(string)
			var rec ObservationRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return fmt.Errorf("decode observation %s: %w", msg.ID, err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		if len(msgs) < redisScanCount {
			return nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

var (
	_ Backend             = (*RedisBackend)(nil)
	_ ObservationReplayer = (*RedisBackend)(nil)
)
