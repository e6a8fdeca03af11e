package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chipledger/services/ledger"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{Name: "catalog_cache_hits_total"})
	cacheMiss = prometheus.NewCounter(prometheus.CounterOpts{Name: "catalog_cache_miss_total"})
)

func init() {
	prometheus.MustRegister(cacheHits, cacheMiss)
}

type cachedPackage struct {
	pkg      ChipPackage
	loadedAt time.Time
}

// Catalog reads chip packages. Lookups by price reference are cached for
// ttl and concurrent misses for one reference share a single query.
type Catalog struct {
	db    *gorm.DB
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu    sync.RWMutex
	byRef map[string]cachedPackage
}

func NewCatalog(db *gorm.DB, ttl time.Duration) *Catalog {
	return &Catalog{
		db:    db,
		ttl:   ttl,
		now:   time.Now,
		byRef: make(map[string]cachedPackage),
	}
}

func (c *Catalog) ListActive(ctx context.Context) ([]ChipPackage, error) {
	var pkgs []ChipPackage
	if err := c.db.WithContext(ctx).
		Where("active = ?", true).
		Order("display_order ASC, chip_amount ASC").
		Find(&pkgs).Error; err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrStorage, err)
	}
	return pkgs, nil
}

// ByPriceRef resolves a package that can still be bought. Unknown and
// inactive references fail with ErrUnknownPackage.
func (c *Catalog) ByPriceRef(ctx context.Context, ref string) (*ChipPackage, error) {
	pkg, err := c.ByPriceRefAny(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !pkg.Active {
		return nil, fmt.Errorf("%w: %s is retired", ErrUnknownPackage, ref)
	}
	return pkg, nil
}

// ByPriceRefAny resolves a package whether or not it is active. Payments for
// sessions opened before a package was retired still settle through it.
// Unknown references are not cached.
func (c *Catalog) ByPriceRefAny(ctx context.Context, ref string) (*ChipPackage, error) {
	if pkg, ok := c.get(ref); ok {
		cacheHits.Inc()
		return &pkg, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(ref, func() (any, error) {
		var pkg ChipPackage
		err := c.db.WithContext(ctx).Where("price_ref = ?", ref).Take(&pkg).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownPackage, ref)
			}
			return nil, fmt.Errorf("%w: %w", ledger.ErrStorage, err)
		}
		c.set(ref, pkg)
		return pkg, nil
	})
	if err != nil {
		return nil, err
	}

	pkg := v.(ChipPackage)
	return &pkg, nil
}

// Upsert creates or updates packages keyed by price reference and drops the
// cache.
func (c *Catalog) Upsert(ctx context.Context, pkgs []ChipPackage) error {
	if len(pkgs) == 0 {
		return nil
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "price_ref"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "chip_amount", "price_minor", "currency", "active", "display_order", "updated_at"}),
	}).Create(&pkgs).Error
	if err != nil {
		return fmt.Errorf("%w: %w", ledger.ErrStorage, err)
	}
	c.Invalidate()
	return nil
}

func (c *Catalog) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRef = make(map[string]cachedPackage)
}

func (c *Catalog) get(ref string) (ChipPackage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.byRef[ref]
	if !ok || (c.ttl > 0 && c.now().Sub(v.loadedAt) > c.ttl) {
		return ChipPackage{}, false
	}
	return v.pkg, true
}

func (c *Catalog) set(ref string, pkg ChipPackage) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byRef[ref] = cachedPackage{pkg: pkg, loadedAt: c.now()}
}
