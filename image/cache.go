// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package image // import "go.opentelemetry.io/pt-tracer/image"

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
	"github.com/zeebo/xxh3"

	log "go.opentelemetry.io/pt-tracer/internal/log"
	"go.opentelemetry.io/pt-tracer/metrics"
)

// DefaultCacheSize is the default number of sections kept by a SectionCache.
const DefaultCacheSize = 1024

type sectionKey struct {
	filename string
	offset   uint64
	size     uint64
	vaddr    uint64
}

func hashSectionKey(k sectionKey) uint32 {
	h := xxh3.HashString(k.filename)
	h ^= k.offset * 0x9e3779b97f4a7c15
	h ^= k.size * 0xc2b2ae3d27d4eb4f
	h ^= k.vaddr * 0x165667b19e3779f9
	return uint32(h ^ h>>32)
}

// Statistics holds the counters of a SectionCache.
type Statistics struct {
	// Number of AddFile calls served from the cache.
	Hit uint64
	// Number of AddFile calls that created a section.
	Miss uint64
	// Number of sections added to the cache.
	Added uint64
	// Number of sections pushed out of the cache.
	Evicted uint64
}

// SectionCache deduplicates file-backed sections across images and decoder
// sessions. Files are mapped once and stay mapped while any section cut from
// them is referenced, either by the cache itself or by an image.
//
// A SectionCache is safe for concurrent use.
type SectionCache struct {
	mu       sync.Mutex
	sections *lru.LRU[sectionKey, *Section]
	// live mirrors the LRU content so Close can drop the cache references.
	live    map[sectionKey]*Section
	files   map[string]*mappedFile
	pending []*Section
	closed  bool

	hit     atomic.Uint64
	miss    atomic.Uint64
	added   atomic.Uint64
	evicted atomic.Uint64
}

// NewSectionCache returns a cache keeping up to capacity sections.
func NewSectionCache(capacity uint32) (*SectionCache, error) {
	if capacity == 0 {
		return nil, errors.New("section cache capacity must be positive")
	}
	sections, err := lru.New[sectionKey, *Section](capacity, hashSectionKey)
	if err != nil {
		return nil, err
	}
	c := &SectionCache{
		sections: sections,
		live:     make(map[sectionKey]*Section),
		files:    make(map[string]*mappedFile),
	}
	sections.SetOnEvict(c.onEvict)
	return c, nil
}

// onEvict runs with c.mu held. The cache reference is dropped by the caller
// once the lock is released.
func (c *SectionCache) onEvict(key sectionKey, sec *Section) {
	if _, ok := c.live[key]; !ok {
		return
	}
	delete(c.live, key)
	c.pending = append(c.pending, sec)
	c.evicted.Add(1)
}

func (c *SectionCache) takePending() []*Section {
	pending := c.pending
	c.pending = nil
	return pending
}

// AddFile returns the section of filename covering [offset, offset+size)
// loaded at vaddr, creating it if needed. The caller owns one reference and
// must Release it.
func (c *SectionCache) AddFile(filename string, offset, size, vaddr uint64) (*Section, error) {
	if size == 0 {
		return nil, fmt.Errorf("%s: empty section: %w", filename, ErrOutOfRange)
	}
	key := sectionKey{filename: filename, offset: offset, size: size, vaddr: vaddr}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if sec, ok := c.sections.Get(key); ok {
		sec.acquire()
		c.mu.Unlock()
		c.hit.Add(1)
		return sec, nil
	}
	c.miss.Add(1)

	file, err := c.refFileLocked(filename)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	data, err := file.slice(offset, size)
	if err != nil {
		c.unrefFileLocked(file)
		c.mu.Unlock()
		return nil, err
	}
	sec := &Section{
		Filename: filename,
		Offset:   offset,
		Size:     size,
		VAddr:    vaddr,
		data:     data,
		cache:    c,
		file:     file,
	}
	// One reference for the cache, one for the caller.
	sec.refs.Store(2)
	c.sections.Add(key, sec)
	c.live[key] = sec
	c.added.Add(1)
	pending := c.takePending()
	c.mu.Unlock()

	for _, evicted := range pending {
		evicted.Release()
	}
	return sec, nil
}

func (c *SectionCache) refFileLocked(filename string) (*mappedFile, error) {
	if file, ok := c.files[filename]; ok {
		file.refs.Add(1)
		return file, nil
	}
	file, err := openMapped(filename)
	if err != nil {
		return nil, err
	}
	file.refs.Store(1)
	c.files[filename] = file
	log.Debugf("Mapped %s (%d bytes)", filename, len(file.data))
	return file, nil
}

func (c *SectionCache) unrefFileLocked(file *mappedFile) {
	if file.refs.Add(-1) > 0 {
		return
	}
	if c.files[file.name] == file {
		delete(c.files, file.name)
	}
	if err := file.unmap(); err != nil {
		log.Warnf("Failed to unmap %s: %v", file.name, err)
	}
}

func (c *SectionCache) unrefFile(file *mappedFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unrefFileLocked(file)
}

// Len returns the number of sections held by the cache.
func (c *SectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

// MappedFiles returns the number of files currently mapped.
func (c *SectionCache) MappedFiles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

// GetAndResetStatistics returns the cache statistics and resets them to 0.
func (c *SectionCache) GetAndResetStatistics() Statistics {
	return Statistics{
		Hit:     c.hit.Swap(0),
		Miss:    c.miss.Swap(0),
		Added:   c.added.Swap(0),
		Evicted: c.evicted.Swap(0),
	}
}

// UpdateMetricSummary adds the cache statistics to summary and resets them.
func (c *SectionCache) UpdateMetricSummary(summary metrics.Summary) {
	stats := c.GetAndResetStatistics()
	summary[metrics.IDSectionCacheHits] += metrics.MetricValue(stats.Hit)
	summary[metrics.IDSectionCacheMisses] += metrics.MetricValue(stats.Miss)
	summary[metrics.IDSectionCacheAdded] += metrics.MetricValue(stats.Added)
	summary[metrics.IDSectionCacheEvicted] += metrics.MetricValue(stats.Evicted)
}

// Close drops the cache references. Sections still used by images stay valid
// until they are released.
func (c *SectionCache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	drop := make([]*Section, 0, len(c.live))
	for _, sec := range c.live {
		drop = append(drop, sec)
	}
	clear(c.live)
	c.sections.Purge()
	drop = append(drop, c.takePending()...)
	c.mu.Unlock()

	for _, sec := range drop {
		sec.Release()
	}
}
