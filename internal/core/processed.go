package core

import (
	"container/list"

	"github.com/holiman/uint256"
)

// ProcessedSet records every request id that has reached a resolution. It
// is global across settlement and withdrawal requests and only grows.
//
// Two tiers: an in-memory LRU in front of an optional durable checker.
// Without a durable checker the LRU is unbounded, since eviction would
// forget resolutions. Not thread-safe; the coordinator serializes access.
type ProcessedSet struct {
	// Tier 1: In-memory LRU
	lru *processedLRU

	// Tier 2: Postgres (injected via interface)
	dbChecker DBProcessedChecker

	tier2Errors int64
}

// DBProcessedChecker is the interface for the durable processed-set lookup.
type DBProcessedChecker interface {
	IsProcessed(requestID uint256.Int) (bool, error)
}

// NewProcessedSet builds a set with the given LRU capacity. capacity is
// ignored when dbChecker is nil.
func NewProcessedSet(capacity int, dbChecker DBProcessedChecker) *ProcessedSet {
	if dbChecker == nil {
		capacity = 0
	}
	return &ProcessedSet{
		lru:       newProcessedLRU(capacity),
		dbChecker: dbChecker,
	}
}

// Contains checks whether the request has been processed (two-tier lookup).
func (p *ProcessedSet) Contains(id uint256.Int) bool {
	if p.lru.Contains(id) {
		return true
	}

	if p.dbChecker != nil {
		ok, err := p.dbChecker.IsProcessed(id)
		if err != nil {
			// Treat as unprocessed. Terminal request statuses still reject
			// a second resolution.
			p.tier2Errors++
			return false
		}
		if ok {
			p.lru.Add(id)
			return true
		}
	}

	return false
}

// Add marks the request processed.
func (p *ProcessedSet) Add(id uint256.Int) {
	p.lru.Add(id)
}

// Warm loads ids recovered from durable storage into tier 1.
func (p *ProcessedSet) Warm(ids []uint256.Int) {
	for _, id := range ids {
		p.lru.Add(id)
	}
}

func (p *ProcessedSet) Size() int {
	return p.lru.Size()
}

func (p *ProcessedSet) Tier2Errors() int64 {
	return p.tier2Errors
}

// --- LRU Implementation ---

type processedLRU struct {
	capacity int // 0 = unbounded
	cache    map[uint256.Int]*list.Element
	lruList  *list.List

	evictions int64
}

func newProcessedLRU(capacity int) *processedLRU {
	return &processedLRU{
		capacity: capacity,
		cache:    make(map[uint256.Int]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *processedLRU) Contains(key uint256.Int) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *processedLRU) Add(key uint256.Int) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.capacity > 0 && lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *processedLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(uint256.Int))
		lru.evictions++
	}
}

func (lru *processedLRU) Size() int {
	return lru.lruList.Len()
}
