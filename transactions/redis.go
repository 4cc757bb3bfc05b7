package transactions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// upsertScript compares updated_at and writes in one step.
// KEYS[1] record hash, KEYS[2] wallet index set.
// ARGV[1] updated_at (unix micros), ARGV[2] record JSON, ARGV[3] id.
var upsertScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'updated_at')
if cur and tonumber(cur) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[1], 'data', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

// RedisRepository stores records as hashes with a per-wallet index set.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisRepository creates a RedisRepository. Keys are namespaced by prefix
// (defaults to "x402").
func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	if prefix == "" {
		prefix = "x402"
	}
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) recordKey(id string) string {
	return fmt.Sprintf("%s:tx:v1:%s", r.prefix, id)
}

func (r *RedisRepository) walletKey(walletID string) string {
	return fmt.Sprintf("%s:wallet:v1:%s:tx", r.prefix, walletID)
}

func (r *RedisRepository) Get(ctx context.Context, id string) (*Record, error) {
	data, err := r.client.HGet(ctx, r.recordKey(id), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode transaction %s: %w", id, err)
	}
	return &rec, nil
}

func (r *RedisRepository) Upsert(ctx context.Context, rec *Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to encode transaction %s: %w", rec.ID, err)
	}

	applied, err := upsertScript.Run(ctx, r.client,
		[]string{r.recordKey(rec.ID), r.walletKey(rec.WalletID)},
		rec.UpdatedAt.UnixMicro(), data, rec.ID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to upsert transaction %s: %w", rec.ID, err)
	}
	return applied == 1, nil
}

func (r *RedisRepository) ListByWallet(ctx context.Context, walletID string) ([]*Record, error) {
	ids, err := r.client.SMembers(ctx, r.walletKey(walletID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet %s: %w", walletID, err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGet(ctx, r.recordKey(id), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to load wallet %s transactions: %w", walletID, err)
	}

	out := make([]*Record, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load transaction %s: %w", ids[i], err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode transaction %s: %w", ids[i], err)
		}
		out = append(out, &rec)
	}

	sortRecords(out)
	return out, nil
}
