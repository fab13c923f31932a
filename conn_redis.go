package ycsbkv

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures NewRedisClient.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	TLS      bool

	// PoolSize bounds the client's own socket pool; it must not be smaller
	// than the lease pool's MaxSize.
	PoolSize int
}

// RedisClient is the shared client behind a set of Redis connections.
type RedisClient struct {
	rdb *redis.Client
}

// NewRedisClient configures a client without connecting.
func NewRedisClient(opt RedisOptions) *RedisClient {
	ropt := &redis.Options{
		Addr:     opt.Addr,
		Username: opt.Username,
		Password: opt.Password,
		DB:       opt.DB,
		PoolSize: opt.PoolSize,

		// RESP2 keeps FT.SEARCH replies as flat arrays.
		Protocol:         2,
		DisableIndentity: true,
	}
	if opt.TLS {
		ropt.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &RedisClient{rdb: redis.NewClient(ropt)}
}

// Dialer returns a Dialer that checks out a dedicated connection per Conn.
func (c *RedisClient) Dialer() Dialer {
	return func(ctx context.Context) (Conn, error) {
		conn := c.rdb.Conn()
		if err := conn.Ping(ctx).Err(); err != nil {
			conn.Close()
			return nil, redisErr(err)
		}
		return &redisConn{c: conn}, nil
	}
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

type redisConn struct {
	c *redis.Conn
}

// redisErr classifies err: server replies stay plain errors, transport
// failures become ErrConnection.
func redisErr(err error) error {
	if err == nil {
		return nil
	}
	var rerr redis.Error
	if errors.As(err, &rerr) {
		return fmt.Errorf("redis: %w", err)
	}
	return connErr(err)
}

func bytesMap(m map[string]string) map[string][]byte {
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out
}

func (c *redisConn) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := c.c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	return bytesMap(m), nil
}

func (c *redisConn) HMGet(ctx context.Context, key string, fields []string) (map[string][]byte, error) {
	if len(fields) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := c.c.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, redisErr(err)
	}
	out := make(map[string][]byte, len(fields))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[fields[i]] = []byte(s)
		}
	}
	return out, nil
}

// HSet with no fields writes nothing; Redis rejects an argument-less HSET.
func (c *redisConn) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return redisErr(c.c.HSet(ctx, key, args...).Err())
}

func (c *redisConn) Del(ctx context.Context, key string) (int64, error) {
	n, err := c.c.Del(ctx, key).Result()
	return n, redisErr(err)
}

func (c *redisConn) ZAdd(ctx context.Context, set string, score float64, member string) error {
	return redisErr(c.c.ZAdd(ctx, set, redis.Z{Score: score, Member: member}).Err())
}

func (c *redisConn) ZRem(ctx context.Context, set string, member string) (int64, error) {
	n, err := c.c.ZRem(ctx, set, member).Result()
	return n, redisErr(err)
}

func (c *redisConn) ZScore(ctx context.Context, set string, member string) (float64, bool, error) {
	score, err := c.c.ZScore(ctx, set, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	} else if err != nil {
		return 0, false, redisErr(err)
	}
	return score, true, nil
}

func (c *redisConn) ZRangeByScore(ctx context.Context, set string, min, max float64) ([]string, error) {
	members, err := c.c.ZRangeByScore(ctx, set, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	return members, redisErr(err)
}

func (c *redisConn) do(ctx context.Context, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx, args...)
	_ = c.c.Process(ctx, cmd)
	return cmd
}

func (c *redisConn) Search(ctx context.Context, index string, field string, min float64, limit int) ([]string, error) {
	query := fmt.Sprintf("@%s:[%s +inf]", field, formatScore(min))
	reply, err := c.do(ctx, "FT.SEARCH", index, query, "NOCONTENT", "SORTBY", field, "ASC", "LIMIT", 0, limit).Slice()
	if err != nil {
		return nil, redisErr(err)
	}
	// [total, key1, key2, ...]
	if len(reply) == 0 {
		return nil, fmt.Errorf("FT.SEARCH %s: empty reply", index)
	}
	keys := make([]string, 0, len(reply)-1)
	for _, v := range reply[1:] {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("FT.SEARCH %s: unexpected %T in reply", index, v)
		}
		keys = append(keys, s)
	}
	return keys, nil
}

func (c *redisConn) JSONSet(ctx context.Context, key string, doc []byte) error {
	return redisErr(c.do(ctx, "JSON.SET", key, "$", string(doc)).Err())
}

func (c *redisConn) JSONGet(ctx context.Context, key string) ([]byte, bool, error) {
	s, err := c.do(ctx, "JSON.GET", key, "$").Text()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, redisErr(err)
	}
	// Root path replies wrap the document in an array.
	var docs []json.RawMessage
	if err := json.Unmarshal([]byte(s), &docs); err != nil {
		return nil, false, dataErrf([]byte(s), err, "JSON.GET %s", key)
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

func (c *redisConn) CreateIndex(ctx context.Context, def IndexDef) error {
	args := []any{"FT.CREATE", def.Name, "ON", def.On.String(), "PREFIX", 1, def.Prefix, "SCHEMA"}
	if def.On == DocJSON {
		path := def.Path
		if path == "" {
			path = "$." + def.Field
		}
		args = append(args, path, "AS", def.Field)
	} else {
		args = append(args, def.Field)
	}
	args = append(args, "NUMERIC", "SORTABLE")

	err := c.do(ctx, args...).Err()
	if err != nil && strings.Contains(err.Error(), "Index already exists") {
		return fmt.Errorf("%w: %s", ErrIndexExists, def.Name)
	}
	return redisErr(err)
}

func (c *redisConn) FlushDB(ctx context.Context) error {
	return redisErr(c.c.FlushDB(ctx).Err())
}

func (c *redisConn) Ping(ctx context.Context) error {
	return redisErr(c.c.Ping(ctx).Err())
}

func (c *redisConn) Close() error {
	return c.c.Close()
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
