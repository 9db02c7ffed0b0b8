// Package cache keeps survey and filter listings in Redis so repeated page
// loads do not walk the survey platform's paginated listing endpoints.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nyashahama/survey-report-backend/internal/qualtrics"
	"github.com/redis/go-redis/v9"
)

// Lister is the listing surface of the survey platform client.
type Lister interface {
	ListSurveys(ctx context.Context) ([]qualtrics.Survey, error)
	ListFilters(ctx context.Context, surveyID string) ([]qualtrics.Filter, error)
}

// ListingCache is a read-through Lister. With a nil Redis client every call
// goes straight to the wrapped Lister. Redis failures are logged and treated
// as misses.
type ListingCache struct {
	next   Lister
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

var _ Lister = (*ListingCache)(nil)

// NewListingCache wraps next. ttl <= 0 defaults to five minutes.
func NewListingCache(next Lister, client *redis.Client, ttl time.Duration, logger *slog.Logger) *ListingCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ListingCache{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: "surveyreport",
		logger: logger,
	}
}

// Key helpers
func (c *ListingCache) surveysKey() string {
	return c.prefix + ":surveys"
}

func (c *ListingCache) filtersKey(surveyID string) string {
	return fmt.Sprintf("%s:survey:%s:filters", c.prefix, surveyID)
}

// ListSurveys returns the cached survey list, filling it on a miss.
func (c *ListingCache) ListSurveys(ctx context.Context) ([]qualtrics.Survey, error) {
	return readThrough(ctx, c, c.surveysKey(), func() ([]qualtrics.Survey, error) {
		return c.next.ListSurveys(ctx)
	})
}

// ListFilters returns the cached filter list of one survey, filling it on a
// miss.
func (c *ListingCache) ListFilters(ctx context.Context, surveyID string) ([]qualtrics.Filter, error) {
	return readThrough(ctx, c, c.filtersKey(surveyID), func() ([]qualtrics.Filter, error) {
		return c.next.ListFilters(ctx, surveyID)
	})
}

// Invalidate drops the survey list and the filter lists of the given surveys.
func (c *ListingCache) Invalidate(ctx context.Context, surveyIDs ...string) error {
	if c.client == nil {
		return nil
	}
	keys := []string{c.surveysKey()}
	for _, id := range surveyIDs {
		keys = append(keys, c.filtersKey(id))
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: invalidate: %w", err)
	}
	return nil
}

// readThrough serves key from Redis or calls load and stores its result.
// Empty lists are not stored: they answer 404 and may fill in later.
func readThrough[T any](ctx context.Context, c *ListingCache, key string, load func() ([]T, error)) ([]T, error) {
	if c.client == nil {
		return load()
	}

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == redis.Nil:
	case err != nil:
		c.logger.Warn("cache: get failed", "key", key, "error", err)
	default:
		var items []T
		if err := json.Unmarshal(data, &items); err == nil {
			return items, nil
		}
		c.logger.Warn("cache: dropping undecodable entry", "key", key)
	}

	items, err := load()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return items, nil
	}

	data, err = json.Marshal(items)
	if err != nil {
		return items, nil
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Warn("cache: set failed", "key", key, "error", err)
	}
	return items, nil
}
