// Package cache keeps mod map images in memory to avoid re-reading the
// blob column on every dashboard request. Latency on the image path matters
// because the dashboard refetches the map after every reconnect.
package cache

import (
	"sync"
)

// Image is one cached map image.
type Image struct {
	Data     []byte
	MimeType string
}

// ImageCache caches map images keyed by mod id.
type ImageCache struct {
	m      sync.Mutex
	images map[string]Image
}

func NewImageCache() *ImageCache {
	return &ImageCache{
		images: make(map[string]Image),
	}
}

func (c *ImageCache) Get(modID string) (Image, bool) {
	c.m.Lock()
	defer c.m.Unlock()
	img, ok := c.images[modID]
	return img, ok
}

func (c *ImageCache) Put(modID string, img Image) {
	c.m.Lock()
	defer c.m.Unlock()
	c.images[modID] = img
}

// Invalidate drops the cached image for a mod, typically after an upload
// replaced it.
func (c *ImageCache) Invalidate(modID string) {
	c.m.Lock()
	defer c.m.Unlock()
	delete(c.images, modID)
}

func (c *ImageCache) Reset() {
	c.m.Lock()
	defer c.m.Unlock()
	c.images = make(map[string]Image)
}
