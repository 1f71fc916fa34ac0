package layers

import (
	"sort"

	"github.com/paulmach/orb/geojson"
)

// Cache holds loaded feature collections by layer id for the lifetime of
// the process. Entries are never invalidated. Like the Manager that owns
// it, it is only used from the map loop.
type Cache struct {
	data map[string]*geojson.FeatureCollection
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{data: make(map[string]*geojson.FeatureCollection)}
}

// Get returns the collection cached for id.
func (c *Cache) Get(id string) (*geojson.FeatureCollection, bool) {
	fc, ok := c.data[id]
	return fc, ok
}

// Has reports whether id is cached.
func (c *Cache) Has(id string) bool {
	_, ok := c.data[id]
	return ok
}

// Put stores fc under id.
func (c *Cache) Put(id string, fc *geojson.FeatureCollection) {
	c.data[id] = fc
}

// IDs returns the cached ids, sorted.
func (c *Cache) IDs() []string {
	ids := make([]string, 0, len(c.data))
	for id := range c.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
