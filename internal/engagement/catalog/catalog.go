// Package catalog loads the collectible pools drawn from on each scan.
package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/eventflowhq/eventflow/internal/engagement/domain"
)

// Catalog holds the fixed collectible pools. The common pool feeds busy
// locations, the rare pool feeds low-crowd flash drops.
type Catalog struct {
	Common []Entry `yaml:"common"`
	Rare   []Entry `yaml:"rare"`
}

// Entry is one collectible definition in the catalog file.
type Entry struct {
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

// Load reads a catalog YAML file. An empty path yields the built-in default.
func Load(path string) (Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	if len(cat.Common) == 0 {
		return Catalog{}, fmt.Errorf("catalog has no common pool")
	}
	if len(cat.Rare) == 0 {
		return Catalog{}, fmt.Errorf("catalog has no rare pool")
	}
	return cat, nil
}

// Default returns the built-in event collectible pools.
func Default() Catalog {
	return Catalog{
		Common: []Entry{
			{Name: "Holo Sticker", Category: "swag"},
			{Name: "Circuit Pin", Category: "swag"},
			{Name: "Neon Lanyard", Category: "swag"},
			{Name: "Pixel Patch", Category: "swag"},
			{Name: "Booth Token", Category: "token"},
			{Name: "Demo Coin", Category: "token"},
			{Name: "Spark Badge", Category: "badge"},
			{Name: "Echo Chip", Category: "token"},
		},
		Rare: []Entry{
			{Name: "Golden Gear", Category: "trophy"},
			{Name: "Prism Badge", Category: "badge"},
			{Name: "Aurora Medal", Category: "trophy"},
			{Name: "Obsidian Chip", Category: "token"},
			{Name: "Founders Coin", Category: "trophy"},
			{Name: "Nova Crest", Category: "badge"},
		},
	}
}

// CommonPool converts the common entries to domain collectibles.
func (c Catalog) CommonPool() []domain.Collectible {
	return toPool(c.Common, domain.TierCommon)
}

// RarePool converts the rare entries to domain collectibles.
func (c Catalog) RarePool() []domain.Collectible {
	return toPool(c.Rare, domain.TierRare)
}

func toPool(entries []Entry, tier domain.Tier) []domain.Collectible {
	pool := make([]domain.Collectible, 0, len(entries))
	for _, entry := range entries {
		pool = append(pool, domain.Collectible{Name: entry.Name, Category: entry.Category, Rarity: tier})
	}
	return pool
}
