package inventory

import (
	"fmt"
	"sync"
)

// Catalog holds every loaded item definition indexed by id.
//
// A Catalog is not ready until Init succeeds. Init may be called again to
// reload; a failed reload leaves the previous definitions in place.
type Catalog struct {
	mu    sync.RWMutex
	items map[int]*ItemDef
	ready bool
}

// NewCatalog returns an empty Catalog that is not ready.
func NewCatalog() *Catalog {
	return &Catalog{items: make(map[int]*ItemDef)}
}

// Init loads every item definition in dir.
//
// Precondition: dir is a readable directory path.
// Postcondition: on success IsReady reports true and Count equals the number
// of loaded items; on error the catalog is unchanged. Duplicate ids are an
// error.
func (c *Catalog) Init(dir string) error {
	defs, err := LoadItems(dir)
	if err != nil {
		return err
	}
	items := make(map[int]*ItemDef, len(defs))
	for _, d := range defs {
		if _, exists := items[d.ID]; exists {
			return fmt.Errorf("inventory: Catalog.Init: item ID %d already registered", d.ID)
		}
		items[d.ID] = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.ready = true
	return nil
}

// IsReady reports whether a load has succeeded.
func (c *Catalog) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Item returns the ItemDef for the given id and whether it was found.
//
// Postcondition: ok is true iff the id is registered.
func (c *Catalog) Item(id int) (*ItemDef, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.items[id]
	return d, ok
}

// Count returns the number of loaded items.
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}
