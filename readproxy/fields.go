// Package readproxy resolves a fileId to its on-chain fields and serves
// ranged byte reads by stitching bounded sub-range fetches across a pool of
// aggregator endpoints, per spec.md §4.7. It generalizes the teacher's
// storage/s3.go range-aware object-fetch shape from a single S3 client to a
// failover list of HTTP aggregator endpoints, using github.com/imroc/req
// (the teacher's own HTTP client library) for upstream calls.
package readproxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"floe/ferr"
	"floe/kv"
	"floe/registry"
)

// Fields is the resolved, normalized view of an on-chain object used by the
// metadata/manifest/stream endpoints.
type Fields = registry.AssetFields

// getFileFields returns the asset fields cache-first, falling back to the
// registry and eagerly repopulating the cache on a miss, per spec.md §4.7.
func (p *Proxy) getFileFields(ctx context.Context, fileID string) (*Fields, error) {
	key := kv.FileFieldsKey(fileID)
	cached, err := p.store.Get(ctx, key)
	if err == nil {
		if fields, parseErr := registry.UnmarshalCache([]byte(cached)); parseErr == nil {
			return fields, nil
		}
		// cache entry is corrupt; fall through to a live fetch.
	} else if err != kv.ErrNilValue {
		return nil, fmt.Errorf("readproxy: read fields cache: %w", err)
	}

	fields, err := p.registry.GetObject(ctx, fileID)
	if err != nil {
		switch {
		case err == registry.ErrObjectNotFound:
			return nil, ferr.ErrFileNotFound
		case errors.Is(err, registry.ErrMalformedFields):
			return nil, ferr.ErrInvalidFileMetadata.WithDetails(map[string]any{"cause": err.Error()})
		default:
			return nil, ferr.ErrRegistryUnavailable.WithDetails(map[string]any{"cause": err.Error()})
		}
	}

	if payload, marshalErr := fields.MarshalCache(); marshalErr == nil {
		p.store.Set(ctx, key, string(payload), p.fieldsCacheTTL)
	}
	return fields, nil
}

// fieldsCacheTTLOrDefault is used by New when the caller passes zero.
func fieldsCacheTTLOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 24 * time.Hour
	}
	return ttl
}
