package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"

	"github.com/V4T54L/chrono-reader/internal/domain"
)

const keyPrefix = "chrono-reader:chunks"

// CachedReader wraps a domain.ArchiveReader with a Redis read-through cache of
// query results. Keys are scoped by a backend namespace so readers over
// different archives can share one Redis. Only windows that end in the past
// are cached; a window reaching past now may still gain events and always goes
// to the wrapped reader. A cached window can still miss events recorded late
// into it until its TTL expires. When Redis is unreachable reads go straight
// to the wrapped reader and a health check watches for Redis to come back.
type CachedReader struct {
	inner     domain.ArchiveReader
	client    *redis.Client
	namespace string
	ttl       time.Duration
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	isAvailable atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type cachedChunk struct {
	Start  int64          `json:"start"`
	Events []domain.Event `json:"events"`
}

// BackendFingerprint names the archive a reader serves, for use as the cache
// namespace: the backend kind plus a hash of its location.
func BackendFingerprint(backend, location string) string {
	return fmt.Sprintf("%s-%016x", backend, xxhash.Sum64String(location))
}

// NewCachedReader creates a caching decorator around inner. namespace keeps
// the keys of different archives apart; see BackendFingerprint.
func NewCachedReader(inner domain.ArchiveReader, client *redis.Client, namespace string, ttl, healthInterval time.Duration, logger *slog.Logger) *CachedReader {
	if healthInterval <= 0 {
		healthInterval = 5 * time.Second
	}
	return &CachedReader{
		inner:     inner,
		client:    client,
		namespace: namespace,
		ttl:       ttl,
		interval:  healthInterval,
		logger:    logger.With("component", "redis_chunk_cache", "namespace", namespace),
		now:       time.Now,
	}
}

// Initialize opens the wrapped reader and checks Redis. An unreachable Redis
// is not an error.
func (r *CachedReader) Initialize(ctx context.Context) error {
	if err := r.inner.Initialize(ctx); err != nil {
		return err
	}
	r.startOnce.Do(func() {
		if err := r.client.Ping(ctx).Err(); err != nil {
			r.logger.Warn("Redis unavailable, reading without cache", "error", err)
		} else {
			r.isAvailable.Store(true)
		}
		healthCtx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		r.wg.Add(1)
		go r.healthCheck(healthCtx)
	})
	return nil
}

// ReadArchivedStory serves the query from Redis when cached, otherwise reads
// through and caches the chunks the wrapped reader appended.
func (r *CachedReader) ReadArchivedStory(ctx context.Context, chronicle, story string, start, end uint64, out *domain.ChunkList) error {
	key := cacheKey(r.namespace, chronicle, story, start, end)
	cacheable := r.cacheable(end)

	if cacheable && r.isAvailable.Load() {
		hit, err := r.readCached(ctx, key, domain.StoryIdentity{Chronicle: chronicle, Story: story}, out)
		if err != nil {
			if errors.Is(err, domain.ErrCollectionReleased) {
				return err
			}
			r.handleError(err)
		}
		if hit {
			r.logger.Debug("Served story from cache", "key", key)
			return nil
		}
	}

	mark := out.Len()
	if err := r.inner.ReadArchivedStory(ctx, chronicle, story, start, end, out); err != nil {
		return err
	}

	if cacheable && r.isAvailable.Load() {
		chunks := out.Chunks()
		if mark <= len(chunks) {
			if err := r.writeCached(ctx, key, chunks[mark:]); err != nil {
				r.handleError(err)
			}
		}
	}
	return nil
}

// Shutdown stops the health check, shuts down the wrapped reader and closes
// the Redis client.
func (r *CachedReader) Shutdown() error {
	var err error
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()
		err = r.inner.Shutdown()
		if cerr := r.client.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}

// cacheable reports whether a window ending at end is closed.
func (r *CachedReader) cacheable(end uint64) bool {
	now := r.now().UnixNano()
	return now > 0 && end < uint64(now)
}

func (r *CachedReader) readCached(ctx context.Context, key string, id domain.StoryIdentity, out *domain.ChunkList) (bool, error) {
	payload, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("failed to GET cached chunks: %w", err)
	}

	var cached []cachedChunk
	if err := json.Unmarshal(payload, &cached); err != nil {
		r.logger.Warn("Discarding undecodable cache entry", "key", key, "error", err)
		return false, nil
	}
	chunks, err := decodeChunks(id, cached)
	if err != nil {
		r.logger.Warn("Discarding invalid cache entry", "key", key, "error", err)
		return false, nil
	}
	for i, c := range chunks {
		if err := out.Append(c); err != nil {
			for _, rest := range chunks[i+1:] {
				rest.Release()
			}
			return false, err
		}
	}
	return true, nil
}

func (r *CachedReader) writeCached(ctx context.Context, key string, chunks []*domain.StoryChunk) error {
	cached := make([]cachedChunk, 0, len(chunks))
	for _, c := range chunks {
		cached = append(cached, cachedChunk{Start: c.Start(), Events: c.Events()})
	}
	payload, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal chunks for cache: %w", err)
	}
	if err := r.client.Set(ctx, key, payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to SET cached chunks: %w", err)
	}
	return nil
}

func (r *CachedReader) handleError(err error) {
	if isNetworkError(err) {
		if r.isAvailable.CompareAndSwap(true, false) {
			r.logger.Error("Redis connection lost", "error", err)
		}
		return
	}
	r.logger.Warn("Redis cache operation failed", "error", err)
}

func (r *CachedReader) healthCheck(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := r.client.Ping(ctx).Err()
			if err != nil {
				if r.isAvailable.CompareAndSwap(true, false) {
					r.logger.Error("Redis connection lost", "error", err)
				}
			} else if r.isAvailable.CompareAndSwap(false, true) {
				r.logger.Info("Redis connection recovered")
			}
		}
	}
}

// decodeChunks rebuilds owned chunks from a cache entry. On error every chunk
// built so far is released.
func decodeChunks(id domain.StoryIdentity, cached []cachedChunk) ([]*domain.StoryChunk, error) {
	chunks := make([]*domain.StoryChunk, 0, len(cached))
	for _, cc := range cached {
		c := domain.NewStoryChunk(id, cc.Start)
		chunks = append(chunks, c)
		for _, e := range cc.Events {
			if _, err := c.Insert(e); err != nil {
				for _, built := range chunks {
					built.Release()
				}
				return nil, err
			}
		}
	}
	return chunks, nil
}

func cacheKey(namespace, chronicle, story string, start, end uint64) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d:%d", keyPrefix, namespace, chronicle, story, start, end)
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) || errors.Is(err, context.DeadlineExceeded)
}
