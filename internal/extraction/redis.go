package extraction

import (
	"context"
	"fmt"
	"strconv"

	pkgredis "github.com/caselens/viewercore/pkg/redis"
)

const keyPrefix = "extraction:"

// RedisCache reads extracted page text from Redis hashes written by the
// out-of-band extraction pipeline: key "extraction:<docID>", one field per
// page number.
type RedisCache struct {
	client *pkgredis.Client
}

// NewRedisCache wraps an existing Redis client.
func NewRedisCache(client *pkgredis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) PageText(ctx context.Context, docID string, pageNumber int) (string, bool, error) {
	text, err := r.client.HGet(ctx, keyPrefix+docID, strconv.Itoa(pageNumber))
	if err != nil {
		if pkgredis.IsNilError(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("reading page %d of %s: %w", pageNumber, docID, err)
	}
	return text, true, nil
}

func (r *RedisCache) PageCount(ctx context.Context, docID string) (int, error) {
	n, err := r.client.HLen(ctx, keyPrefix+docID)
	if err != nil {
		return 0, fmt.Errorf("counting pages of %s: %w", docID, err)
	}
	return int(n), nil
}
