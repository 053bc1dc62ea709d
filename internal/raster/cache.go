package raster

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// Uploader creates and deletes host textures. Called on the main thread.
type Uploader interface {
	Upload(img *Image) (uint32, error)
	Delete(hostID uint32)
}

// Handle is a slot in the cache's handle pool.
type Handle int

// Texture is a reference-counted host texture shared by every tile that uses it.
type Texture struct {
	Key    string
	Handle Handle
	HostID uint32
	Width  int
	Height int

	cache *Cache
	refs  int
}

// Retain adds a reference.
func (t *Texture) Retain() { t.cache.retain(t) }

// Release drops a reference; the host texture is deleted with the last one.
func (t *Texture) Release() { t.cache.release(t) }

// Live reports whether the texture still holds references.
func (t *Texture) Live() bool {
	t.cache.mu.Lock()
	defer t.cache.mu.Unlock()
	return t.refs > 0
}

// Cache deduplicates overlay textures by key and counts references to them.
// The handle pool grows when exhausted; overlay textures are bounded by layer
// count, so running out of handles is never an error.
type Cache struct {
	mu       sync.Mutex
	uploader Uploader
	byKey    map[string]*Texture
	slots    []*Texture
	free     []Handle
}

func NewCache(uploader Uploader, initialHandles int) *Cache {
	if initialHandles < 1 {
		initialHandles = 1
	}
	c := &Cache{
		uploader: uploader,
		byKey:    make(map[string]*Texture),
	}
	c.grow(initialHandles)
	return c
}

func (c *Cache) grow(n int) {
	start := len(c.slots)
	c.slots = append(c.slots, make([]*Texture, n)...)
	for i := len(c.slots) - 1; i >= start; i-- {
		c.free = append(c.free, Handle(i))
	}
}

// Acquire returns the texture for img.Key, uploading it on first use.
// Each call adds one reference.
func (c *Cache) Acquire(img *Image) (*Texture, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.byKey[img.Key]; ok {
		t.refs++
		return t, nil
	}

	if len(c.free) == 0 {
		n := len(c.slots)
		c.grow(n)
		glog.Infof("raster: handle pool grew to %d", len(c.slots))
	}

	hostID, err := c.uploader.Upload(img)
	if err != nil {
		return nil, fmt.Errorf("upload %s: %w", img.Key, err)
	}

	h := c.free[len(c.free)-1]
	c.free = c.free[:len(c.free)-1]
	t := &Texture{
		Key:    img.Key,
		Handle: h,
		HostID: hostID,
		Width:  img.Width(),
		Height: img.Height(),
		cache:  c,
		refs:   1,
	}
	c.slots[h] = t
	c.byKey[img.Key] = t
	return t, nil
}

func (c *Cache) retain(t *Texture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.refs == 0 {
		glog.Warningf("raster: retain on released texture %s", t.Key)
		return
	}
	t.refs++
}

func (c *Cache) release(t *Texture) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.refs == 0 {
		return
	}
	t.refs--
	if t.refs > 0 {
		return
	}
	c.uploader.Delete(t.HostID)
	if c.slots[t.Handle] == t {
		c.slots[t.Handle] = nil
		c.free = append(c.free, t.Handle)
	}
	if c.byKey[t.Key] == t {
		delete(c.byKey, t.Key)
	}
}

// Len returns the number of live textures.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}

// Capacity returns the current size of the handle pool.
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots)
}

// Refs returns the reference count of the texture stored under key.
func (c *Cache) Refs(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.byKey[key]; ok {
		return t.refs
	}
	return 0
}
