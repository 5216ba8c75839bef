package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/oauth1-provider/internal/errors"
	"github.com/alexjbarnes/oauth1-provider/internal/models"
	"github.com/alexjbarnes/oauth1-provider/internal/secret"
	"github.com/redis/go-redis/v9"
)

// maxTakeAttempts bounds the optimistic retries of TakeRequestToken.
const maxTakeAttempts = 5

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces every key, e.g. "oauth1:".
	KeyPrefix string
}

// RedisStore keeps tokens in Redis as JSON documents with their secret
// and verifier sealed. Each token key expires with the token. Per-consumer
// and per-user sets index token values for the administrative queries;
// entries whose token key has gone are pruned when read.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	sealer    secret.Sealer
	now       func() time.Time
}

var _ Store = (*RedisStore)(nil)

// storedToken is the serialized form of models.Token. The access_token
// field is read by the Lua scripts below.
type storedToken struct {
	Value          string `json:"value"`
	Secret         string `json:"secret"`
	ConsumerKey    string `json:"consumer_key"`
	AccessToken    bool   `json:"access_token"`
	CallbackURL    string `json:"callback_url,omitempty"`
	CreationTime   int64  `json:"creation_time"`
	TimeToLive     int64  `json:"time_to_live_ms"`
	Verifier       string `json:"verifier,omitempty"`
	AuthorizedUser string `json:"authorized_user,omitempty"`
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w: %w", apperrors.ErrStoreUnavailable, err)
	}

	return client, nil
}

// NewRedisStore creates a RedisStore on an existing client. Tests pass a
// client pointed at miniredis.
func NewRedisStore(client redis.UniversalClient, keyPrefix string, sealer secret.Sealer) *RedisStore {
	if sealer == nil {
		sealer = secret.Nop{}
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		sealer:    sealer,
		now:       time.Now,
	}
}

// LoadOrCreateSalt returns the key-derivation salt stored under the
// prefix, creating it on first use. Concurrent first starts agree on one
// salt through SETNX.
func LoadOrCreateSalt(ctx context.Context, client redis.UniversalClient, keyPrefix string) ([]byte, error) {
	key := keyPrefix + "meta:salt"

	fresh, err := secret.NewSalt()
	if err != nil {
		return nil, err
	}

	if err := client.SetNX(ctx, key, fresh, 0).Err(); err != nil {
		return nil, unavailable("storing salt", err)
	}

	salt, err := client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, unavailable("reading salt", err)
	}

	return salt, nil
}

// unavailable marks a Redis failure as a backing-store fault.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, apperrors.ErrStoreUnavailable, err)
}

func (s *RedisStore) tokenKey(value string) string {
	return s.keyPrefix + "token:" + value
}

func (s *RedisStore) consumerSetKey(consumerKey string) string {
	return s.keyPrefix + "consumer-tokens:" + consumerKey
}

func (s *RedisStore) userSetKey(user string) string {
	return s.keyPrefix + "user-tokens:" + user
}

func (s *RedisStore) encode(t models.Token) ([]byte, error) {
	sec, err := s.sealer.Seal(t.Secret)
	if err != nil {
		return nil, fmt.Errorf("sealing token secret: %w", err)
	}

	ver, err := s.sealer.Seal(t.Verifier)
	if err != nil {
		return nil, fmt.Errorf("sealing verifier: %w", err)
	}

	return json.Marshal(storedToken{
		Value:          t.Value,
		Secret:         sec,
		ConsumerKey:    t.ConsumerKey,
		AccessToken:    t.AccessToken,
		CallbackURL:    t.CallbackURL,
		CreationTime:   t.CreationTime,
		TimeToLive:     t.TimeToLive.Milliseconds(),
		Verifier:       ver,
		AuthorizedUser: t.AuthorizedUser,
	})
}

func (s *RedisStore) decode(data []byte) (*models.Token, error) {
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	sec, err := s.sealer.Open(st.Secret)
	if err != nil {
		return nil, fmt.Errorf("opening token secret: %w", err)
	}

	ver, err := s.sealer.Open(st.Verifier)
	if err != nil {
		return nil, fmt.Errorf("opening verifier: %w", err)
	}

	return &models.Token{
		Value:          st.Value,
		Secret:         sec,
		ConsumerKey:    st.ConsumerKey,
		AccessToken:    st.AccessToken,
		CallbackURL:    st.CallbackURL,
		CreationTime:   st.CreationTime,
		TimeToLive:     time.Duration(st.TimeToLive) * time.Millisecond,
		Verifier:       ver,
		AuthorizedUser: st.AuthorizedUser,
	}, nil
}

// keyTTL is the Redis expiry for t. Redis rejects a zero PX, so tokens
// that are already past their lifetime get the minimum.
func (s *RedisStore) keyTTL(t models.Token) time.Duration {
	ttl := t.ExpiresAt().Sub(s.now())
	if ttl < time.Millisecond {
		return time.Millisecond
	}
	return ttl
}

func (s *RedisStore) Get(ctx context.Context, value string) (*models.Token, error) {
	data, err := s.client.Get(ctx, s.tokenKey(value)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("failed to get token", err)
	}

	return s.decode(data)
}

func (s *RedisStore) Put(ctx context.Context, t models.Token) error {
	data, err := s.encode(t)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.tokenKey(t.Value), data, s.keyTTL(t))
	pipe.SAdd(ctx, s.consumerSetKey(t.ConsumerKey), t.Value)
	if t.AccessToken && t.AuthorizedUser != "" {
		pipe.SAdd(ctx, s.userSetKey(t.AuthorizedUser), t.Value)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("failed to store token", err)
	}

	return nil
}

// removeTokenScript deletes a token key and returns its previous value,
// or nil if there was none.
var removeTokenScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
redis.call('DEL', KEYS[1])
return data
`)

// replaceRequestTokenScript overwrites a request token in place, keeping
// its expiry. Returns 1 on success, 0 if no request token is stored.
var replaceRequestTokenScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return 0
end
local tok = cjson.decode(data)
if tok.access_token then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'KEEPTTL')
return 1
`)

func (s *RedisStore) Remove(ctx context.Context, value string) (bool, error) {
	data, err := removeTokenScript.Run(ctx, s.client, []string{s.tokenKey(value)}).Text()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("failed to remove token", err)
	}

	s.unindex(ctx, []byte(data))

	return true, nil
}

func (s *RedisStore) ReplaceRequestToken(ctx context.Context, t models.Token) (bool, error) {
	data, err := s.encode(t)
	if err != nil {
		return false, err
	}

	n, err := replaceRequestTokenScript.Run(ctx, s.client, []string{s.tokenKey(t.Value)}, data).Int()
	if err != nil {
		return false, unavailable("failed to replace token", err)
	}

	return n == 1, nil
}

// TakeRequestToken watches the token key, opens the sealed verifier and
// deletes the key in a MULTI block. A write to the key between the read
// and the delete aborts the transaction, and the take is retried against
// the new value.
func (s *RedisStore) TakeRequestToken(ctx context.Context, value, verifier string) (*models.Token, error) {
	key := s.tokenKey(value)

	var taken *models.Token

	take := func(tx *redis.Tx) error {
		taken = nil

		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		t, err := s.decode(data)
		if err != nil {
			return err
		}
		if t.AccessToken {
			return nil
		}
		if !VerifierMatches(t.Verifier, verifier) {
			return apperrors.ErrVerifierMismatch
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, s.consumerSetKey(t.ConsumerKey), t.Value)
			return nil
		})
		if err != nil {
			return err
		}

		taken = t

		return nil
	}

	for range maxTakeAttempts {
		err := s.client.Watch(ctx, take, key)
		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, apperrors.ErrVerifierMismatch):
			return nil, err
		case err != nil:
			return nil, unavailable("failed to take token", err)
		}
		return taken, nil
	}

	return nil, fmt.Errorf("failed to take token: %w: key kept changing", apperrors.ErrStoreUnavailable)
}

// unindex drops a removed token from the secondary sets. Failures only
// leave a dangling member, which later reads prune.
func (s *RedisStore) unindex(ctx context.Context, data []byte) {
	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return
	}

	_ = s.client.SRem(ctx, s.consumerSetKey(st.ConsumerKey), st.Value).Err()
	if st.AuthorizedUser != "" {
		_ = s.client.SRem(ctx, s.userSetKey(st.AuthorizedUser), st.Value).Err()
	}
}

// members loads every live token indexed by setKey, pruning members
// whose token key has expired or been removed.
func (s *RedisStore) members(ctx context.Context, setKey string) ([]models.Token, error) {
	values, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("failed to list token index", err)
	}

	var out []models.Token
	for _, v := range values {
		t, err := s.Get(ctx, v)
		if err != nil {
			return nil, err
		}
		if t == nil {
			_ = s.client.SRem(ctx, setKey, v).Err()
			continue
		}
		out = append(out, *t)
	}

	return out, nil
}

func (s *RedisStore) AccessTokensForUser(ctx context.Context, user string) ([]models.Token, error) {
	all, err := s.members(ctx, s.userSetKey(user))
	if err != nil {
		return nil, err
	}

	out := all[:0]
	for _, t := range all {
		if t.AccessToken && t.AuthorizedUser == user {
			out = append(out, t)
		}
	}

	SortByCreation(out)

	return out, nil
}

// RemoveExpired scans every token key. Redis already drops keys when
// their TTL passes, so this mostly catches tokens whose lifetime is judged
// against a clock that runs ahead of the server's.
func (s *RedisStore) RemoveExpired(ctx context.Context, now time.Time) (int, error) {
	n := 0
	prefix := s.tokenKey("")

	iter := s.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		value := strings.TrimPrefix(iter.Val(), prefix)

		t, err := s.Get(ctx, value)
		if err != nil {
			return n, err
		}
		if t == nil || !t.HasExpired(now) {
			continue
		}

		removed, err := s.Remove(ctx, value)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}

	if err := iter.Err(); err != nil {
		return n, unavailable("failed to scan tokens", err)
	}

	return n, nil
}

func (s *RedisStore) RemoveByConsumer(ctx context.Context, consumerKey string) (int, error) {
	setKey := s.consumerSetKey(consumerKey)

	values, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, unavailable("failed to list consumer tokens", err)
	}

	n := 0
	for _, v := range values {
		removed, err := s.Remove(ctx, v)
		if err != nil {
			return n, err
		}
		if removed {
			n++
		}
	}

	if err := s.client.Del(ctx, setKey).Err(); err != nil {
		return n, unavailable("failed to clear consumer index", err)
	}

	return n, nil
}
