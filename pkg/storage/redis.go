// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/logger"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// maxWatchAttempts bounds optimistic transaction retries on one grant.
const maxWatchAttempts = 20

// Key types, joined to the key prefix.
const (
	keyTypeGrant  = "grant"
	keyTypeCode   = "code"
	keyTypeToken  = "token"
	keyTypeExpiry = "expiry"
)

// Expiry set member prefixes.
const (
	memberCode  = "c:"
	memberToken = "t:"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr selects a standalone server. Ignored when SentinelMasterName is set.
	Addr string

	// SentinelMasterName and SentinelAddrs select a Sentinel deployment.
	SentinelMasterName string
	SentinelAddrs      []string

	// Username and Password authenticate as an ACL user.
	Username string
	Password string

	DB int

	// KeyPrefix namespaces every key. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStore implements GrantStore on Redis, standalone or behind Sentinel,
// so several engine replicas can share grants.
//
// Layout under the key prefix:
//
//	grant:<id>             JSON grant with its token history
//	code:<fingerprint>     hash {grant_id, state, expires_at, exchanged_at}; authoritative code state
//	token:<fingerprint>    owning grant ID
//	expiry                 sorted set of "c:<fingerprint>" and "t:<fingerprint>" scored by expiry
//
// Codes and tokens are keyed by Fingerprint so no key names a live credential.
//
// Timestamps in hashes and scores are Unix microseconds.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if err := validateRedisConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid redis configuration: %w", err)
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}

	var client redis.UniversalClient
	if cfg.SentinelMasterName != "" {
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.SentinelMasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			DB:            cfg.DB,
			Username:      cfg.Username,
			Password:      cfg.Password,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			DB:           cfg.DB,
			Username:     cfg.Username,
			Password:     cfg.Password,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient creates a RedisStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewRedisStoreWithClient(client redis.UniversalClient, keyPrefix string) *RedisStore {
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func validateRedisConfig(cfg *RedisConfig) error {
	if cfg.SentinelMasterName != "" {
		if len(cfg.SentinelAddrs) == 0 {
			return errors.New("at least one sentinel address is required")
		}
		return nil
	}
	if len(cfg.SentinelAddrs) > 0 {
		return errors.New("sentinel master name is required when sentinel addresses are set")
	}
	if cfg.Addr == "" {
		return errors.New("either addr or sentinel configuration is required")
	}
	return nil
}

// Close closes the Redis client connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStore) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

func (s *RedisStore) grantKey(id string) string    { return s.key(keyTypeGrant, id) }
func (s *RedisStore) codeKey(code string) string   { return s.key(keyTypeCode, Fingerprint(code)) }
func (s *RedisStore) tokenKey(value string) string { return s.key(keyTypeToken, Fingerprint(value)) }
func (s *RedisStore) expiryKey() string            { return s.keyPrefix + keyTypeExpiry }

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func parseMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

// Put implements GrantStore.
func (s *RedisStore) Put(ctx context.Context, g *grant.Grant) error {
	stored, err := PrepareGrant(g)
	if err != nil {
		return err
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal grant: %w", err)
	}

	gKey := s.grantKey(stored.ID)
	watched := []string{gKey}
	if stored.Code != nil {
		watched = append(watched, s.codeKey(stored.Code.Value))
	}
	for _, t := range stored.Tokens {
		watched = append(watched, s.tokenKey(t.Value))
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, watched...).Result()
		if err != nil {
			return fmt.Errorf("failed to check existing keys: %w", err)
		}
		if n > 0 {
			return Duplicate("grant, code or token value")
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, gKey, data, 0)
			if c := stored.Code; c != nil {
				pipe.HSet(ctx, s.codeKey(c.Value),
					"grant_id", stored.ID,
					"state", c.State.String(),
					"expires_at", micros(c.ExpiresAt),
				)
				if c.State == grant.CodeIssued {
					pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
						Score:  float64(c.ExpiresAt.UnixMicro()),
						Member: memberCode + Fingerprint(c.Value),
					})
				}
			}
			s.indexTokens(ctx, pipe, stored.ID, stored.Tokens)
			return nil
		})
		return err
	}, watched...)
}

// Get implements GrantStore.
func (s *RedisStore) Get(ctx context.Context, id string) (*grant.Grant, error) {
	return s.loadGrant(ctx, s.client, id)
}

// FindByCode implements GrantStore.
func (s *RedisStore) FindByCode(ctx context.Context, code string) (*grant.Grant, bool, error) {
	grantID, err := s.client.HGet(ctx, s.codeKey(code), "grant_id").Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up authorization code: %w", err)
	}
	g, err := s.loadGrant(ctx, s.client, grantID)
	if grantErrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// FindByToken implements GrantStore.
func (s *RedisStore) FindByToken(ctx context.Context, value string) (*TokenRecord, bool, error) {
	grantID, err := s.client.Get(ctx, s.tokenKey(value)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up token: %w", err)
	}
	g, err := s.loadGrant(ctx, s.client, grantID)
	if grantErrors.IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	t, ok := g.Token(value)
	if !ok {
		return nil, false, nil
	}
	return &TokenRecord{Token: t, Grant: g}, true, nil
}

// transitionCodeScript moves a code out of the issued state. ARGV[1] is the
// target state name and ARGV[2] the current time in Unix microseconds.
// Returns "ok" on success, "not_found", or the state that blocked the move.
// An overdue code always becomes "expired" unless the target is "revoked".
var transitionCodeScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'not_found'
end
if state ~= 'issued' then
	return state
end
local target = ARGV[1]
if target == 'revoked' then
	redis.call('HSET', KEYS[1], 'state', 'revoked')
	return 'ok'
end
if tonumber(ARGV[2]) >= tonumber(redis.call('HGET', KEYS[1], 'expires_at')) then
	redis.call('HSET', KEYS[1], 'state', 'expired')
	if target == 'expired' then
		return 'ok'
	end
	return 'expired'
end
if target == 'expired' then
	return 'issued'
end
redis.call('HSET', KEYS[1], 'state', 'exchanged', 'exchanged_at', ARGV[2])
return 'ok'
`)

// transitionCode runs transitionCodeScript and reports whether the move happened.
// A blocked move returns the blocking state.
func (s *RedisStore) transitionCode(
	ctx context.Context, fingerprint string, target grant.CodeState, now time.Time,
) (bool, grant.CodeState, error) {
	status, err := transitionCodeScript.Run(ctx, s.client,
		[]string{s.key(keyTypeCode, fingerprint)}, target.String(), micros(now)).Text()
	if err != nil {
		return false, 0, fmt.Errorf("failed to update authorization code: %w", err)
	}
	switch status {
	case "ok":
		return true, target, nil
	case "not_found":
		return false, 0, grantErrors.New(grantErrors.TypeNotFound, "authorization code not found", nil)
	}
	state, err := grant.ParseCodeState(status)
	if err != nil {
		return false, 0, err
	}
	return false, state, nil
}

// ExchangeCode implements GrantStore.
func (s *RedisStore) ExchangeCode(ctx context.Context, code string, now time.Time) (*grant.Grant, error) {
	ok, state, err := s.transitionCode(ctx, Fingerprint(code), grant.CodeExchanged, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, state.Err()
	}
	_ = s.client.ZRem(ctx, s.expiryKey(), memberCode+Fingerprint(code)).Err()

	g, found, err := s.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, grantErrors.New(grantErrors.TypeNotFound, "authorization code not found", nil)
	}
	logger.Debugw("exchanged authorization code", "grant_id", g.ID, "client_id", g.ClientID)
	return g, nil
}

// AppendTokens implements GrantStore.
func (s *RedisStore) AppendTokens(ctx context.Context, grantID string, tokens ...*grant.Token) error {
	_, err := s.update(ctx, grantID, tokens, func(g *grant.Grant) error {
		return PrepareAppend(g, tokens)
	})
	return err
}

// RotateRefreshToken implements GrantStore.
func (s *RedisStore) RotateRefreshToken(
	ctx context.Context, value string, now time.Time, replacements ...*grant.Token,
) (*grant.Grant, error) {
	grantID, err := s.client.Get(ctx, s.tokenKey(value)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, grantErrors.New(grantErrors.TypeNotFound, "refresh token not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	return s.update(ctx, grantID, replacements, func(g *grant.Grant) error {
		old, ok := g.Token(value)
		if !ok {
			return grantErrors.New(grantErrors.TypeNotFound, "refresh token not found", nil)
		}
		if err := CheckRotation(g, old, now); err != nil {
			return err
		}
		if err := PrepareAppend(g, replacements); err != nil {
			return err
		}
		old.Revoke(now)
		old.Rotated = true
		return nil
	})
}

// Revoke implements GrantStore.
func (s *RedisStore) Revoke(ctx context.Context, id string, now time.Time) error {
	n, err := s.client.Exists(ctx, s.grantKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check grant: %w", err)
	}
	if n > 0 {
		g, err := s.update(ctx, id, nil, func(g *grant.Grant) error {
			if g.Revoke(now) {
				logger.Debugw("revoked grant", "grant_id", g.ID, "tokens", len(g.Tokens))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if g.Code != nil {
			if _, _, err := s.transitionCode(ctx, Fingerprint(g.Code.Value), grant.CodeRevoked, now); err != nil {
				return err
			}
		}
		return nil
	}

	grantID, err := s.client.Get(ctx, s.tokenKey(id)).Result()
	switch {
	case err == nil:
		_, err = s.update(ctx, grantID, nil, func(g *grant.Grant) error {
			if t, ok := g.Token(id); ok {
				t.Revoke(now)
			}
			return nil
		})
		return err
	case !errors.Is(err, redis.Nil):
		return fmt.Errorf("failed to look up token: %w", err)
	}

	_, _, err = s.transitionCode(ctx, Fingerprint(id), grant.CodeRevoked, now)
	if grantErrors.IsNotFound(err) {
		return grantErrors.New(grantErrors.TypeNotFound, "nothing to revoke", nil)
	}
	return err
}

// SweepExpired implements GrantStore.
func (s *RedisStore) SweepExpired(ctx context.Context, now time.Time) ([]Expired, error) {
	members, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: micros(now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring entries: %w", err)
	}

	var expired []Expired
	for _, member := range members {
		switch {
		case strings.HasPrefix(member, memberCode):
			e, ok, err := s.expireCode(ctx, strings.TrimPrefix(member, memberCode), now)
			if err != nil {
				return expired, err
			}
			if ok {
				expired = append(expired, e)
			}
		case strings.HasPrefix(member, memberToken):
			e, ok, err := s.expireToken(ctx, strings.TrimPrefix(member, memberToken), now)
			if err != nil {
				return expired, err
			}
			if ok {
				expired = append(expired, e)
			}
		}
	}
	return expired, nil
}

func (s *RedisStore) expireCode(ctx context.Context, fingerprint string, now time.Time) (Expired, bool, error) {
	moved, state, err := s.transitionCode(ctx, fingerprint, grant.CodeExpired, now)
	if grantErrors.IsNotFound(err) {
		return Expired{}, false, s.client.ZRem(ctx, s.expiryKey(), memberCode+fingerprint).Err()
	}
	if err != nil {
		return Expired{}, false, err
	}
	if !moved && state == grant.CodeIssued {
		return Expired{}, false, nil
	}
	claimed, err := s.client.ZRem(ctx, s.expiryKey(), memberCode+fingerprint).Result()
	if err != nil {
		return Expired{}, false, fmt.Errorf("failed to remove expiry entry: %w", err)
	}
	if !moved || claimed == 0 {
		return Expired{}, false, nil
	}

	fields, err := s.client.HMGet(ctx, s.key(keyTypeCode, fingerprint), "grant_id", "expires_at").Result()
	if err != nil {
		return Expired{}, false, fmt.Errorf("failed to read authorization code: %w", err)
	}
	e := Expired{Kind: EntryCode, Fingerprint: fingerprint}
	if v, ok := fields[0].(string); ok {
		e.GrantID = v
	}
	if v, ok := fields[1].(string); ok {
		e.ExpiresAt, _ = parseMicros(v)
	}
	return e, true, nil
}

func (s *RedisStore) expireToken(ctx context.Context, fingerprint string, now time.Time) (Expired, bool, error) {
	claimed, err := s.client.ZRem(ctx, s.expiryKey(), memberToken+fingerprint).Result()
	if err != nil {
		return Expired{}, false, fmt.Errorf("failed to remove expiry entry: %w", err)
	}
	if claimed == 0 {
		return Expired{}, false, nil
	}

	indexKey := s.key(keyTypeToken, fingerprint)
	grantID, err := s.client.GetDel(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return Expired{}, false, nil
	}
	if err != nil {
		return Expired{}, false, fmt.Errorf("failed to remove token index: %w", err)
	}

	g, err := s.loadGrant(ctx, s.client, grantID)
	if grantErrors.IsNotFound(err) {
		return Expired{}, false, nil
	}
	if err != nil {
		return Expired{}, false, err
	}
	for _, t := range g.Tokens {
		if Fingerprint(t.Value) != fingerprint {
			continue
		}
		if t.Revoked || !t.Expired(now) {
			return Expired{}, false, nil
		}
		return Expired{
			Kind:        string(t.Kind),
			GrantID:     grantID,
			Fingerprint: fingerprint,
			ExpiresAt:   t.ExpiresAt,
		}, true, nil
	}
	return Expired{}, false, nil
}

// update applies fn to the stored grant inside an optimistic transaction and
// indexes newTokens. fn must leave the grant unchanged when it fails.
func (s *RedisStore) update(
	ctx context.Context, grantID string, newTokens []*grant.Token, fn func(g *grant.Grant) error,
) (*grant.Grant, error) {
	gKey := s.grantKey(grantID)
	watched := []string{gKey}
	for _, t := range newTokens {
		watched = append(watched, s.tokenKey(t.Value))
	}

	var result *grant.Grant
	err := s.watch(ctx, func(tx *redis.Tx) error {
		g, err := s.loadGrant(ctx, tx, grantID)
		if err != nil {
			return err
		}
		if len(newTokens) > 0 {
			n, err := tx.Exists(ctx, watched[1:]...).Result()
			if err != nil {
				return fmt.Errorf("failed to check token values: %w", err)
			}
			if n > 0 {
				return Duplicate("token value")
			}
		}
		if err := fn(g); err != nil {
			return err
		}
		for _, t := range newTokens {
			if err := g.AppendToken(t.Clone()); err != nil {
				return err
			}
		}
		data, err := json.Marshal(g)
		if err != nil {
			return fmt.Errorf("failed to marshal grant: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, gKey, data, 0)
			s.indexTokens(ctx, pipe, grantID, newTokens)
			return nil
		})
		if err != nil {
			return err
		}
		result = g
		return nil
	}, watched...)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// indexTokens queues the lookup and expiry entries for tokens.
func (s *RedisStore) indexTokens(ctx context.Context, pipe redis.Pipeliner, grantID string, tokens []*grant.Token) {
	for _, t := range tokens {
		fp := Fingerprint(t.Value)
		pipe.Set(ctx, s.key(keyTypeToken, fp), grantID, 0)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
			Score:  float64(t.ExpiresAt.UnixMicro()),
			Member: memberToken + fp,
		})
	}
}

// watch runs fn in a WATCH transaction, retrying with backoff while another
// client modifies the watched keys.
func (s *RedisStore) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     5 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          2,
		MaxInterval:         200 * time.Millisecond,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(maxWatchAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debugw("retrying redis transaction", "error", err, "backoff", next)
		}),
	)
	return err
}

// grantReader is satisfied by both the client and a WATCH transaction.
type grantReader interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	HMGet(ctx context.Context, key string, fields ...string) *redis.SliceCmd
}

// loadGrant reads a grant and overlays the authoritative code state.
func (s *RedisStore) loadGrant(ctx context.Context, c grantReader, id string) (*grant.Grant, error) {
	data, err := c.Get(ctx, s.grantKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, GrantNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get grant: %w", err)
	}

	var g grant.Grant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal grant: %w", err)
	}

	if g.Code != nil {
		fields, err := c.HMGet(ctx, s.codeKey(g.Code.Value), "state", "exchanged_at").Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read authorization code: %w", err)
		}
		if v, ok := fields[0].(string); ok {
			if g.Code.State, err = grant.ParseCodeState(v); err != nil {
				return nil, err
			}
		}
		if v, ok := fields[1].(string); ok {
			if g.Code.ExchangedAt, err = parseMicros(v); err != nil {
				return nil, fmt.Errorf("invalid exchange time: %w", err)
			}
		}
	}
	return &g, nil
}

var _ GrantStore = (*RedisStore)(nil)
