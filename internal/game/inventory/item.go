// Package inventory is the item catalog collaborator: the static item
// definitions the game logic looks up by id.
package inventory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Kind constants for ItemDef.Kind.
const (
	KindBlock      = "block"
	KindBackground = "background"
	KindSeed       = "seed"
	KindConsumable = "consumable"
	KindClothing   = "clothing"
	KindLock       = "lock"
)

var validKinds = map[string]bool{
	KindBlock:      true,
	KindBackground: true,
	KindSeed:       true,
	KindConsumable: true,
	KindClothing:   true,
	KindLock:       true,
}

// ItemDef defines the static properties of an item loaded from YAML.
type ItemDef struct {
	ID          int    `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Kind        string `yaml:"kind"`
	Rarity      int    `yaml:"rarity"`
	MaxStack    int    `yaml:"max_stack"`
	// BreakHits is the number of punches needed to break a placed block.
	BreakHits int `yaml:"break_hits"`
	// SeedOf is the id of the block a seed grows into.
	SeedOf int `yaml:"seed_of"`
	// GrowSeconds is how long a planted seed takes to mature.
	GrowSeconds int `yaml:"grow_seconds"`
}

// Validate checks that the ItemDef satisfies its invariants.
//
// Precondition: d is non-nil.
// Postcondition: returns nil iff all fields are valid.
func (d *ItemDef) Validate() error {
	var errs []error
	if d.ID < 0 {
		errs = append(errs, errors.New("ID must be >= 0"))
	}
	if d.Name == "" {
		errs = append(errs, errors.New("Name must not be empty"))
	}
	if !validKinds[d.Kind] {
		errs = append(errs, fmt.Errorf("Kind must be one of block, background, seed, consumable, clothing, lock; got %q", d.Kind))
	}
	if d.MaxStack < 1 || d.MaxStack > 200 {
		errs = append(errs, errors.New("MaxStack must be between 1 and 200"))
	}
	if d.Rarity < 0 || d.Rarity > 999 {
		errs = append(errs, errors.New("Rarity must be between 0 and 999"))
	}
	if d.BreakHits < 0 {
		errs = append(errs, errors.New("BreakHits must be >= 0"))
	}
	if d.Kind == KindSeed {
		if d.SeedOf <= 0 {
			errs = append(errs, errors.New("SeedOf is required when Kind is seed"))
		}
		if d.GrowSeconds <= 0 {
			errs = append(errs, errors.New("GrowSeconds must be > 0 when Kind is seed"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("item validation failed: %v", errs)
	}
	return nil
}

// itemFile is the on-disk layout: one file holds a list of items.
type itemFile struct {
	Items []ItemDef `yaml:"items"`
}

// LoadItems reads all *.yaml and *.yml files from dir in lexicographic
// order, parses each as a list of ItemDefs, validates them, and returns the
// collected slice.
//
// Precondition: dir is a readable directory path.
// Postcondition: returns all valid ItemDefs or the first encountered error.
func LoadItems(dir string) ([]*ItemDef, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("LoadItems: cannot read directory %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var items []*ItemDef
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("LoadItems: cannot read file %q: %w", path, err)
		}
		var f itemFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("LoadItems: cannot parse file %q: %w", path, err)
		}
		for i := range f.Items {
			d := f.Items[i]
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("LoadItems: invalid item %d in %q: %w", d.ID, path, err)
			}
			items = append(items, &d)
		}
	}
	return items, nil
}
