package collector

import (
	"container/list"
	"strings"
)

const (
	// DefaultPathCacheSize bounds the number of memoized paths per volume.
	DefaultPathCacheSize = 100000

	// MaxPathDepth bounds the parent walk of a single resolution.
	MaxPathDepth = 100

	// rootRecordNumber is the MFT record number of the volume root directory.
	rootRecordNumber = 5
	frnRecordMask    = 0x0000FFFFFFFFFFFF

	pathSeparator = `\`
)

// ReferenceLookup opens files by reference number. VolumeHandle satisfies it.
type ReferenceLookup interface {
	LookupReference(frn uint64) (ReferenceEntry, error)
}

// IsRootReference reports whether frn names the volume root directory,
// ignoring the sequence number in the upper 16 bits.
func IsRootReference(frn uint64) bool {
	return frn&frnRecordMask == rootRecordNumber
}

type pathEntry struct {
	ref  uint64
	path string
}

// PathCache maps file reference numbers of one volume to absolute paths.
// It is LRU bounded and must only be used from the processing loop.
type PathCache struct {
	volume string
	lookup ReferenceLookup
	max    int
	ll     *list.List
	items  map[uint64]*list.Element

	hits    uint64
	misses  uint64
	partial uint64
}

// NewPathCache creates a cache for volume (e.g. "C:"). lookup may be nil, in
// which case only paths whose parent is cached or the root resolve fully.
func NewPathCache(volume string, lookup ReferenceLookup, maxEntries int) *PathCache {
	if maxEntries <= 0 {
		maxEntries = DefaultPathCacheSize
	}
	return &PathCache{
		volume: strings.TrimRight(volume, pathSeparator),
		lookup: lookup,
		max:    maxEntries,
		ll:     list.New(),
		items:  make(map[uint64]*list.Element),
	}
}

// Resolve returns the absolute path of fileName whose parent is parentRef.
// When the parent chain cannot be walked to the root it returns a partial
// path of the form `C:\...\dir\name` and complete=false.
func (c *PathCache) Resolve(fileRef, parentRef uint64, fileName string) (path string, complete bool) {
	if p, ok := c.get(fileRef); ok && strings.HasSuffix(p, pathSeparator+fileName) {
		c.hits++
		return p, true
	}
	c.misses++

	components := []string{fileName}
	refs := []uint64{fileRef}
	visited := map[uint64]bool{fileRef: true, parentRef: true}

	base := ""
	cur := parentRef
	for depth := 0; ; depth++ {
		if IsRootReference(cur) {
			base = c.volume
			break
		}
		if p, ok := c.get(cur); ok {
			base = p
			break
		}
		if depth >= MaxPathDepth || c.lookup == nil {
			return c.partialPath(components), false
		}
		entry, err := c.lookup.LookupReference(cur)
		if err != nil || entry.Name == "" {
			return c.partialPath(components), false
		}
		components = append(components, entry.Name)
		refs = append(refs, cur)
		if visited[entry.ParentRef] {
			return c.partialPath(components), false
		}
		visited[entry.ParentRef] = true
		cur = entry.ParentRef
	}

	// components[i] is the name of refs[i]; memoize every level.
	p := base
	for i := len(components) - 1; i >= 0; i-- {
		p = p + pathSeparator + components[i]
		c.put(refs[i], p)
	}
	return p, true
}

// Invalidate drops the cached path of ref. For directories every cached
// descendant is dropped as well.
func (c *PathCache) Invalidate(ref uint64, isDir bool) {
	el, ok := c.items[ref]
	if !ok {
		return
	}
	prefix := el.Value.(*pathEntry).path + pathSeparator
	c.remove(el)
	if !isDir {
		return
	}
	for e := c.ll.Front(); e != nil; {
		nextEl := e.Next()
		if strings.HasPrefix(e.Value.(*pathEntry).path, prefix) {
			c.remove(e)
		}
		e = nextEl
	}
}

// Len returns the number of cached paths.
func (c *PathCache) Len() int {
	return c.ll.Len()
}

// Stats returns hit, miss and partial-resolution counts.
func (c *PathCache) Stats() (hits, misses, partial uint64) {
	return c.hits, c.misses, c.partial
}

func (c *PathCache) partialPath(components []string) string {
	c.partial++
	var b strings.Builder
	b.WriteString(c.volume)
	b.WriteString(pathSeparator + "...")
	for i := len(components) - 1; i >= 0; i-- {
		b.WriteString(pathSeparator)
		b.WriteString(components[i])
	}
	return b.String()
}

func (c *PathCache) get(ref uint64) (string, bool) {
	el, ok := c.items[ref]
	if !ok {
		return "", false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*pathEntry).path, true
}

func (c *PathCache) put(ref uint64, path string) {
	if el, ok := c.items[ref]; ok {
		el.Value.(*pathEntry).path = path
		c.ll.MoveToFront(el)
		return
	}
	c.items[ref] = c.ll.PushFront(&pathEntry{ref: ref, path: path})
	for c.ll.Len() > c.max {
		c.remove(c.ll.Back())
	}
}

func (c *PathCache) remove(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*pathEntry).ref)
}
