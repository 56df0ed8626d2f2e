// Package catalog resolves firmware records and builds signed delivery URLs
// for them.
//
// Firmware rows are immutable, so lookups are cached in Redis with a long TTL
// and concurrent misses for the same record share one database query.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/singleflight"

	"github.com/pilot-net/fwrollout/control-plane/internal/metrics"
	"github.com/pilot-net/fwrollout/control-plane/internal/secrets"
	"github.com/pilot-net/fwrollout/pkg/types"
)

// deltaCapable is the fwup requirement for applying delta images.
var deltaCapable = mustConstraint(">= 1.6.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// FirmwareStore is the subset of the store the catalog reads.
type FirmwareStore interface {
	GetFirmwareByProductAndUUID(ctx context.Context, productID, uuid string) (*types.Firmware, error)
}

// JSONCache is the subset of cache.Cache the catalog uses.
type JSONCache interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
}

// Options configure a Catalog.
type Options struct {
	// BaseURL is the externally reachable prefix of the firmware download route.
	BaseURL string

	// URLTTL is how long a delivery URL stays valid. Expiries are aligned to
	// URLTTL buckets so repeated resolutions return the same URL.
	URLTTL time.Duration

	// CacheTTL is how long firmware records stay cached.
	CacheTTL time.Duration

	// StorageURL is where verified downloads are redirected. The firmware
	// storage key is appended to it.
	StorageURL string
}

// Catalog implements rollout.FirmwareCatalog.
type Catalog struct {
	store  FirmwareStore
	cache  JSONCache // may be nil
	signer *Signer
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group
}

// New creates a catalog. cache may be nil to disable caching.
func New(store FirmwareStore, cache JSONCache, keys secrets.KeyStore, opts Options, logger *slog.Logger) *Catalog {
	if opts.URLTTL <= 0 {
		opts.URLTTL = time.Hour
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 24 * time.Hour
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	opts.StorageURL = strings.TrimRight(opts.StorageURL, "/")

	return &Catalog{
		store:  store,
		cache:  cache,
		signer: NewSigner(keys),
		opts:   opts,
		logger: logger.With("component", "catalog"),
		now:    time.Now,
	}
}

// cachedFirmware is the cache encoding of a firmware record. The storage key
// is not part of the public JSON of types.Firmware, so it is carried here.
type cachedFirmware struct {
	types.Firmware
	StorageKey string `json:"storage_key"`
}

func cacheKey(productID, uuid string) string {
	return "firmware:" + productID + ":" + uuid
}

// LookupByProductAndUUID returns the firmware with uuid in productID, or
// nil, nil when none exists. Cache errors fall through to the store.
func (c *Catalog) LookupByProductAndUUID(ctx context.Context, productID, uuid string) (*types.Firmware, error) {
	key := cacheKey(productID, uuid)

	if c.cache != nil {
		var cached cachedFirmware
		found, err := c.cache.GetJSON(ctx, key, &cached)
		switch {
		case err != nil:
			metrics.FirmwareCacheTotal.WithLabelValues("error").Inc()
			c.logger.Warn("firmware cache read failed", "key", key, "error", err)
		case found:
			metrics.FirmwareCacheTotal.WithLabelValues("hit").Inc()
			fw := cached.Firmware
			fw.StorageKey = cached.StorageKey
			return &fw, nil
		default:
			metrics.FirmwareCacheTotal.WithLabelValues("miss").Inc()
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		fw, err := c.store.GetFirmwareByProductAndUUID(ctx, productID, uuid)
		if err != nil {
			return nil, fmt.Errorf("loading firmware %s: %w", uuid, err)
		}
		if fw != nil && c.cache != nil {
			entry := cachedFirmware{Firmware: *fw, StorageKey: fw.StorageKey}
			if err := c.cache.SetJSON(ctx, key, entry, c.opts.CacheTTL); err != nil {
				c.logger.Warn("firmware cache write failed", "key", key, "error", err)
			}
		}
		return fw, nil
	})
	if err != nil {
		return nil, err
	}

	fw, _ := v.(*types.Firmware)
	if fw == nil {
		return nil, nil
	}
	// Callers sharing a flight must not share the record.
	copied := *fw
	return &copied, nil
}

// DeliveryURL returns a signed URL for target. A delta from source is
// offered only when the device's fwup can apply it.
func (c *Catalog) DeliveryURL(ctx context.Context, source, target *types.Firmware, toolVersion, productID string) (string, error) {
	if target == nil {
		return "", fmt.Errorf("no target firmware")
	}

	claims := deliveryClaims{
		productID:  productID,
		targetUUID: target.UUID,
		expires:    c.expiry().Unix(),
	}
	if source != nil && source.UUID != target.UUID && supportsDelta(toolVersion) {
		claims.fromUUID = source.UUID
	}

	q, err := c.signer.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("signing delivery url: %w", err)
	}

	return fmt.Sprintf("%s/firmware/%s/%s.fw?%s",
		c.opts.BaseURL,
		url.PathEscape(productID),
		url.PathEscape(target.UUID),
		q.Encode(),
	), nil
}

// PublicMetadata returns the metadata snapshot sent to devices.
func (c *Catalog) PublicMetadata(_ context.Context, firmware *types.Firmware) (*types.FirmwareMetadata, error) {
	if firmware == nil {
		return nil, fmt.Errorf("no firmware")
	}
	return firmware.Metadata(), nil
}

// Verify checks a delivery URL's query for targetUUID and returns the
// storage location to redirect the download to.
func (c *Catalog) Verify(ctx context.Context, productID, targetUUID string, q url.Values) (string, error) {
	if err := c.signer.Verify(ctx, productID, targetUUID, q); err != nil {
		return "", err
	}

	fw, err := c.LookupByProductAndUUID(ctx, productID, targetUUID)
	if err != nil {
		return "", err
	}
	if fw == nil {
		return "", nil
	}
	return c.opts.StorageURL + "/" + strings.TrimLeft(fw.StorageKey, "/"), nil
}

// expiry returns the end of the bucket after the current one, so a URL is
// always valid for at least one full URLTTL.
func (c *Catalog) expiry() time.Time {
	ttl := c.opts.URLTTL
	return c.now().Truncate(ttl).Add(2 * ttl)
}

func supportsDelta(toolVersion string) bool {
	if toolVersion == "" {
		return false
	}
	v, err := semver.NewVersion(toolVersion)
	if err != nil {
		return false
	}
	return deltaCapable.Check(v)
}
