package rediscache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/corvidlabs/graphrag-backend/internal/platform/envutil"
	"github.com/corvidlabs/graphrag-backend/internal/platform/logger"
	"github.com/corvidlabs/graphrag-backend/internal/types"
)

const generationKey = "store_generation"

// Cache is the retrieval result cache. Entries are keyed by the query plan
// digest plus the current store generation, so any corpus mutation
// invalidates every cached retrieval at once.
type Cache interface {
	GetRetrieval(ctx context.Context, digest string) (*types.RetrievedContext, bool)
	SetRetrieval(ctx context.Context, digest string, rc *types.RetrievedContext)
	BumpGeneration(ctx context.Context) error
	Close() error
}

type cache struct {
	log *logger.Logger
	rdb *goredis.Client
	ttl time.Duration
}

// NewFromEnv builds the cache from REDIS_ADDR. A missing address is not an
// error; it returns (nil, nil) and retrieval runs uncached.
func NewFromEnv(log *logger.Logger) (Cache, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}

	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    os.Getenv("REDIS_PASSWORD"),
		DB:          envutil.Int("REDIS_DB", 0),
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := envutil.Seconds("RETRIEVAL_CACHE_TTL_SECONDS", 60*time.Second)

	log.Info("retrieval cache ready", "addr", addr, "ttl", ttl.String())
	return &cache{
		log: log.With("service", "RetrievalCache"),
		rdb: rdb,
		ttl: ttl,
	}, nil
}

// PlanDigest derives a stable cache digest from the canonical plan JSON plus
// the request-scoped domain and result size, which are not part of the plan.
func PlanDigest(plan types.QueryPlan, domain string, topK int) string {
	raw, err := json.Marshal(struct {
		Plan   types.QueryPlan `json:"plan"`
		Domain string          `json:"domain"`
		TopK   int             `json:"top_k"`
	}{plan, domain, topK})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// cacheable reports whether a retrieval result is safe to pin for the TTL
// window. Degraded or partial results are transient.
func cacheable(rc *types.RetrievedContext) bool {
	return rc != nil && len(rc.Degraded) == 0 && !rc.Partial
}

func (c *cache) GetRetrieval(ctx context.Context, digest string) (*types.RetrievedContext, bool) {
	if c == nil || c.rdb == nil || digest == "" {
		return nil, false
	}
	key, err := c.retrievalKey(ctx, digest)
	if err != nil {
		return nil, false
	}

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			c.log.Warn("retrieval cache read failed", "error", err)
		}
		return nil, false
	}

	var rc types.RetrievedContext
	if err := json.Unmarshal(raw, &rc); err != nil {
		c.log.Warn("retrieval cache entry corrupt, dropping", "key", key, "error", err)
		_ = c.rdb.Del(ctx, key).Err()
		return nil, false
	}
	return &rc, true
}

func (c *cache) SetRetrieval(ctx context.Context, digest string, rc *types.RetrievedContext) {
	if c == nil || c.rdb == nil || digest == "" || rc == nil {
		return
	}
	if !cacheable(rc) {
		return
	}
	key, err := c.retrievalKey(ctx, digest)
	if err != nil {
		return
	}
	raw, err := json.Marshal(rc)
	if err != nil {
		c.log.Warn("retrieval cache encode failed", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.log.Warn("retrieval cache write failed", "error", err)
	}
}

// BumpGeneration invalidates all cached retrievals. Called after every
// ingest, delete, and reset.
func (c *cache) BumpGeneration(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Incr(ctx, generationKey).Err()
}

func (c *cache) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *cache) retrievalKey(ctx context.Context, digest string) (string, error) {
	gen, err := c.rdb.Get(ctx, generationKey).Int64()
	if err != nil && err != goredis.Nil {
		return "", err
	}
	return fmt.Sprintf("retrieval:%d:%s", gen, digest), nil
}
