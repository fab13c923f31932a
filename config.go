package ycsbkv

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/magiconair/properties"
)

// Property keys.
const (
	PropHost           = "redis.host"
	PropPort           = "redis.port"
	PropUsername       = "redis.username"
	PropPassword       = "redis.password"
	PropDatabase       = "redis.database"
	PropSSL            = "redis.ssl"
	PropSearchStrategy = "redis.search.strategy"
	PropIndexHash      = "redis.index.hash"
	PropIndexJSON      = "redis.index.json"
	PropIndexSet       = "redis.index.set"
	PropIndexPrefix    = "redis.index.prefix"
	PropIndexMode      = "redis.index.mode"
	PropEnterprise     = "redis.enterprise"
	PropPoolMax        = "redis.pool.max"
	PropPoolMinIdle    = "redis.pool.minidle"
	PropPoolPatience   = "redis.pool.patience"
	PropPoolValidate   = "redis.pool.validate"
	PropFanoutLimit    = "scan.fanout.limit"
	PropThreadCount    = "threadcount"

	DefaultPropertiesFile = "db.properties"
	DefaultEnvFile        = ".env"
)

// envOverrides lists the environment variables that replace property values.
var envOverrides = []struct{ env, prop string }{
	{"REDIS_HOST", PropHost},
	{"REDIS_PORT", PropPort},
	{"REDIS_USERNAME", PropUsername},
	{"REDIS_PASSWORD", PropPassword},
	{"REDIS_DATABASE", PropDatabase},
	{"REDIS_SSL", PropSSL},
	{"REDIS_ENTERPRISE", PropEnterprise},
}

const (
	StrategyHash = "HASH"
	StrategyJSON = "JSON"

	IndexModeAuto      = "auto"
	IndexModeSortedSet = "sortedset"
	IndexModeSearch    = "search"
)

// Config is the resolved connection and store configuration.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Database int
	SSL      bool

	SearchStrategy string
	IndexHash      string
	IndexJSON      string
	IndexSet       string
	IndexPrefix    string
	IndexMode      string
	Enterprise     bool

	PoolMax      int
	PoolMinIdle  int
	PoolPatience time.Duration
	PoolValidate time.Duration

	FanoutLimit int
	ThreadCount int
}

// LoadConfig reads path (DefaultPropertiesFile if empty and present),
// applies overrides, then the REDIS_* environment variables, falling back
// to a .env file in the working directory for variables not in the
// process environment.
func LoadConfig(path string, overrides map[string]string) (*Config, error) {
	props := properties.NewProperties()
	if path == "" {
		if _, err := os.Stat(DefaultPropertiesFile); err == nil {
			path = DefaultPropertiesFile
		}
	}
	if path != "" {
		p, err := properties.LoadFile(path, properties.UTF8)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		props = p
	}
	for k, v := range overrides {
		if _, _, err := props.Set(k, v); err != nil {
			return nil, fmt.Errorf("property %s: %w", k, err)
		}
	}

	env, err := EnvLookup(DefaultEnvFile)
	if err != nil {
		return nil, err
	}
	return ParseConfig(props, env)
}

// EnvLookup returns a lookup consulting the process environment first and
// then the given dotenv file. A missing file is not an error.
func EnvLookup(dotenvPath string) (func(string) (string, bool), error) {
	var file map[string]string
	if dotenvPath != "" {
		m, err := godotenv.Read(dotenvPath)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", dotenvPath, err)
		}
		file = m
	}
	return func(name string) (string, bool) {
		if v, ok := os.LookupEnv(name); ok {
			return v, true
		}
		v, ok := file[name]
		return v, ok
	}, nil
}

// ParseConfig resolves a Config from props with defaults; env may be nil.
func ParseConfig(props *properties.Properties, env func(string) (string, bool)) (*Config, error) {
	if env != nil {
		props = properties.LoadMap(props.Map())
		for _, o := range envOverrides {
			if v, ok := env(o.env); ok && v != "" {
				if _, _, err := props.Set(o.prop, v); err != nil {
					return nil, fmt.Errorf("%s: %w", o.env, err)
				}
			}
		}
	}

	p := propReader{props: props}
	c := &Config{
		Host:     p.str(PropHost, "localhost"),
		Port:     p.int(PropPort, 6379),
		Username: p.str(PropUsername, ""),
		Password: p.str(PropPassword, ""),
		Database: p.int(PropDatabase, 0),
		SSL:      p.bool(PropSSL, false),

		SearchStrategy: strings.ToUpper(p.str(PropSearchStrategy, StrategyHash)),
		IndexHash:      p.str(PropIndexHash, "id_hash_index"),
		IndexJSON:      p.str(PropIndexJSON, "id_json_index"),
		IndexSet:       p.str(PropIndexSet, "_key_index"),
		IndexPrefix:    p.str(PropIndexPrefix, "user"),
		IndexMode:      strings.ToLower(p.str(PropIndexMode, IndexModeAuto)),
		Enterprise:     p.bool(PropEnterprise, false),

		PoolMax:      p.int(PropPoolMax, DefaultPoolMaxSize),
		PoolMinIdle:  p.int(PropPoolMinIdle, DefaultPoolMinIdle),
		PoolPatience: p.duration(PropPoolPatience, DefaultPoolPatience),
		PoolValidate: p.duration(PropPoolValidate, DefaultPoolValidateAfter),

		FanoutLimit: p.int(PropFanoutLimit, DefaultFanoutLimit),
		ThreadCount: p.int(PropThreadCount, 32),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	switch c.SearchStrategy {
	case StrategyHash, StrategyJSON:
	default:
		return fmt.Errorf("%s: unknown strategy %q, wanted %s or %s", PropSearchStrategy, c.SearchStrategy, StrategyHash, StrategyJSON)
	}
	switch c.IndexMode {
	case IndexModeAuto, IndexModeSortedSet, IndexModeSearch:
	default:
		return fmt.Errorf("%s: unknown mode %q", PropIndexMode, c.IndexMode)
	}
	if c.PoolMax <= 0 {
		return fmt.Errorf("%s must be positive, got %d", PropPoolMax, c.PoolMax)
	}
	if c.PoolMinIdle < 0 || c.PoolMinIdle > c.PoolMax {
		return fmt.Errorf("%s must be between 0 and %s (%d), got %d", PropPoolMinIdle, PropPoolMax, c.PoolMax, c.PoolMinIdle)
	}
	if c.FanoutLimit <= 0 {
		return fmt.Errorf("%s must be positive, got %d", PropFanoutLimit, c.FanoutLimit)
	}
	return nil
}

// UsesSearchIndex reports whether stores built from c scan through a
// server-side search index rather than the sorted set.
func (c *Config) UsesSearchIndex() bool {
	switch c.IndexMode {
	case IndexModeSearch:
		return true
	case IndexModeSortedSet:
		return false
	default:
		return c.Enterprise
	}
}

// UsesDocuments reports whether records are stored as JSON documents.
// In auto mode without enterprise the hash store is always used.
func (c *Config) UsesDocuments() bool {
	if c.IndexMode == IndexModeAuto && !c.Enterprise {
		return false
	}
	return c.SearchStrategy == StrategyJSON
}

// SearchIndexDef describes the server-side index c's stores expect.
func (c *Config) SearchIndexDef() IndexDef {
	if c.UsesDocuments() {
		return IndexDef{Name: c.IndexJSON, On: DocJSON, Prefix: c.IndexPrefix, Field: IDField, Path: "$." + IDField}
	}
	return IndexDef{Name: c.IndexHash, On: DocHash, Prefix: c.IndexPrefix, Field: IDField}
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) PoolOptions() PoolOptions {
	return PoolOptions{
		MaxSize:       int32(c.PoolMax),
		MinIdle:       int32(c.PoolMinIdle),
		Patience:      c.PoolPatience,
		ValidateAfter: c.PoolValidate,
	}
}

func (c *Config) RedisOptions() RedisOptions {
	return RedisOptions{
		Addr:     c.Addr(),
		Username: c.Username,
		Password: c.Password,
		DB:       c.Database,
		TLS:      c.SSL,
		PoolSize: c.PoolMax,
	}
}

// String describes the connection target without credentials.
func (c *Config) String() string {
	scheme := "redis"
	if c.SSL {
		scheme = "rediss"
	}
	return fmt.Sprintf("%s://%s/%d", scheme, c.Addr(), c.Database)
}

// propReader reads typed properties, remembering the first malformed value.
type propReader struct {
	props *properties.Properties
	err   error
}

func (p *propReader) str(key, def string) string {
	return p.props.GetString(key, def)
}

func (p *propReader) raw(key string) (string, bool) {
	v, ok := p.props.Get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (p *propReader) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%s: invalid value %q: %w", key, v, err)
	}
}

func (p *propReader) int(key string, def int) int {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *propReader) bool(key string, def bool) bool {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

// duration accepts Go durations ("5s") or plain integers as milliseconds.
func (p *propReader) duration(key string, def time.Duration) time.Duration {
	v, ok := p.raw(key)
	if !ok {
		return def
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}
