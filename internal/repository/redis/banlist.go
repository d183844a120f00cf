// Package redis implements the banlist store against Redis for deployments
// that run without PostgreSQL.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sentinelops/banhammer/internal/sink"
)

const (
	indexKey  = "banhammer:banlist"
	entryKey  = "banhammer:banlist:%s"
	timeLayout = time.RFC3339Nano
)

// BanlistStore implements sink.Persister on Redis. Each banlisted email gets
// a hash with the timestamps and reason, plus membership in an index set so
// LoadAll does not need SCAN.
type BanlistStore struct{ client *goredis.Client }

// NewBanlistStore wraps an existing Redis client.
func NewBanlistStore(client *goredis.Client) *BanlistStore {
	return &BanlistStore{client: client}
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr string, db int) (*BanlistStore, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewBanlistStore(client), nil
}

// Close releases the underlying client.
func (s *BanlistStore) Close() error { return s.client.Close() }

// LoadAll returns every banlist entry.
func (s *BanlistStore) LoadAll(ctx context.Context) ([]sink.BanlistRecord, error) {
	emails, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load banlist index: %w", err)
	}

	var out []sink.BanlistRecord
	for _, email := range emails {
		fields, err := s.client.HGetAll(ctx, fmt.Sprintf(entryKey, email)).Result()
		if err != nil {
			return nil, fmt.Errorf("load banlist %s: %w", email, err)
		}
		if len(fields) == 0 {
			continue // index member without a hash, skip
		}
		rec := sink.BanlistRecord{Email: email, Reason: fields["reason"]}
		if rec.FirstBanlistedAt, err = time.Parse(timeLayout, fields["first"]); err != nil {
			return nil, fmt.Errorf("parse banlist %s first: %w", email, err)
		}
		if rec.LastSeenBanlistedAt, err = time.Parse(timeLayout, fields["last"]); err != nil {
			return nil, fmt.Errorf("parse banlist %s last: %w", email, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Upsert writes the entry hash, setting first only on creation.
func (s *BanlistStore) Upsert(ctx context.Context, email string, now time.Time, reason string) error {
	key := fmt.Sprintf(entryKey, email)
	stamp := now.UTC().Format(timeLayout)

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, indexKey, email)
	pipe.HSetNX(ctx, key, "first", stamp)
	pipe.HSet(ctx, key, "last", stamp, "reason", reason)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert banlist %s: %w", email, err)
	}
	return nil
}

// Delete removes one entry.
func (s *BanlistStore) Delete(ctx context.Context, email string) error {
	pipe := s.client.TxPipeline()
	pipe.SRem(ctx, indexKey, email)
	pipe.Del(ctx, fmt.Sprintf(entryKey, email))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete banlist %s: %w", email, err)
	}
	return nil
}

// Clear removes every entry and the index.
func (s *BanlistStore) Clear(ctx context.Context) error {
	emails, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return fmt.Errorf("clear banlist index: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, email := range emails {
		pipe.Del(ctx, fmt.Sprintf(entryKey, email))
	}
	pipe.Del(ctx, indexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clear banlist: %w", err)
	}
	return nil
}
