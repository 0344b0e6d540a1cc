// Package catalog loads the product manifest and maps product identifiers
// to their service tiers and display metadata.
package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/open-rails/storekit/entitlements"
)

// ErrNoProducts is returned when the manifest defines zero products. The
// resolver's correctness depends on knowing every product-to-tier mapping
// up front, so construction fails instead of proceeding empty.
var ErrNoProducts = errors.New("catalog: no products defined")

// ManifestEntry is one product row in the static manifest resource.
type ManifestEntry struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Tier        int    `json:"tier"`
	Type        string `json:"type"`
}

// Catalog is the loaded manifest: product ids in manifest order and their
// tier mappings.
type Catalog struct {
	entries map[string]ManifestEntry
	order   []string
}

// Load reads the manifest from a file path.
func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a JSON manifest (an array of entries) from r.
func Parse(r io.Reader) (*Catalog, error) {
	var rows []ManifestEntry
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("catalog: decode manifest: %w", err)
	}
	c := &Catalog{entries: make(map[string]ManifestEntry, len(rows))}
	for _, row := range rows {
		if row.ID == "" {
			return nil, errors.New("catalog: manifest entry missing id")
		}
		if _, dup := c.entries[row.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate product id %q", row.ID)
		}
		c.entries[row.ID] = row
		c.order = append(c.order, row.ID)
	}
	if len(c.order) == 0 {
		return nil, ErrNoProducts
	}
	return c, nil
}

// ProductIDs returns all configured product ids in manifest order.
func (c *Catalog) ProductIDs() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// TierFor returns the service tier configured for a product id.
func (c *Catalog) TierFor(productID string) (entitlements.Tier, bool) {
	e, ok := c.entries[productID]
	if !ok {
		return entitlements.NotEntitled, false
	}
	return entitlements.Tier(e.Tier), true
}

// Entry returns the manifest entry for a product id.
func (c *Catalog) Entry(productID string) (ManifestEntry, bool) {
	e, ok := c.entries[productID]
	return e, ok
}

// Has reports whether the product id is configured.
func (c *Catalog) Has(productID string) bool {
	_, ok := c.entries[productID]
	return ok
}
