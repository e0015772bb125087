// Package catalog resolves symbolic status and event codes to the identifiers persisted in the
// catalog tables. Each Catalog is a read-through cache over one closed code set; entries never
// expire on their own and are dropped only through Invalidate.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Kind names a catalog table.
type Kind string

const (
	KindSessionStatus     Kind = "session_status"
	KindSecurityEventType Kind = "security_event_type"
)

var (
	// ErrMisconfigured means an expected code has no catalog row, or an unknown code was requested.
	// It indicates deployment drift and is never retried.
	ErrMisconfigured = errors.New("catalog: internal misconfiguration")
	// ErrCodeNotFound is returned by a Source when the code has no row.
	ErrCodeNotFound = errors.New("catalog: code not found")
)

// Source looks up catalog identifiers in the backing store.
// Transaction handles implement it so a lookup can run inside the caller's transaction.
type Source interface {
	LookupCatalogID(ctx context.Context, kind Kind, code string) (int32, error)
}

// Catalog is the read-through cache for one Kind.
type Catalog struct {
	kind     Kind
	expected []string
	allowed  map[string]struct{}
	source   Source
	log      zerolog.Logger

	mu     sync.RWMutex
	byCode map[string]int32
}

// New builds a catalog for kind restricted to the expected codes. source serves lookups when
// the caller has no transaction.
func New(kind Kind, expected []string, source Source, log zerolog.Logger) *Catalog {
	allowed := make(map[string]struct{}, len(expected))
	for _, c := range expected {
		allowed[c] = struct{}{}
	}
	return &Catalog{
		kind:     kind,
		expected: append([]string(nil), expected...),
		allowed:  allowed,
		source:   source,
		log:      log.With().Str("catalog", string(kind)).Logger(),
		byCode:   make(map[string]int32, len(expected)),
	}
}

// Kind returns the catalog kind.
func (c *Catalog) Kind() Kind { return c.kind }

// IDByCode returns the identifier for code. On a cache miss it reads through tx when non-nil,
// otherwise through the default source.
func (c *Catalog) IDByCode(ctx context.Context, tx Source, code string) (int32, error) {
	if _, ok := c.allowed[code]; !ok {
		return 0, c.misconfigured(code, "code outside the expected set")
	}

	c.mu.RLock()
	id, ok := c.byCode[code]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	src := tx
	if src == nil {
		src = c.source
	}
	if src == nil {
		return 0, c.misconfigured(code, "no catalog source")
	}
	id, err := src.LookupCatalogID(ctx, c.kind, code)
	if errors.Is(err, ErrCodeNotFound) {
		return 0, c.misconfigured(code, "code has no catalog row")
	}
	if err != nil {
		return 0, fmt.Errorf("catalog %s lookup %q: %w", c.kind, code, err)
	}

	c.mu.Lock()
	c.byCode[code] = id
	c.mu.Unlock()
	return id, nil
}

// Invalidate drops the given codes from the cache, or every code when none are given.
// Call it after any write to the catalog table itself.
func (c *Catalog) Invalidate(codes ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(codes) == 0 {
		c.byCode = make(map[string]int32, len(c.expected))
		return
	}
	for _, code := range codes {
		delete(c.byCode, code)
	}
}

// Validate resolves every expected code, warming the cache. It fails on the first missing code.
func (c *Catalog) Validate(ctx context.Context) error {
	for _, code := range c.expected {
		if _, err := c.IDByCode(ctx, nil, code); err != nil {
			return err
		}
	}
	return nil
}

func (c *Catalog) misconfigured(code, reason string) error {
	c.log.Error().Str("code", code).Msg(reason)
	return fmt.Errorf("%w: %s %q: %s", ErrMisconfigured, c.kind, code, reason)
}
