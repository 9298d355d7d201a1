package core

import (
	"container/list"
	"strings"
)

// IdempotencyChecker implements two-tier deduplication: an in-memory LRU in
// front of the persisted command log.
type IdempotencyChecker struct {
	lru       *IdempotencyLRU
	dbChecker DBIdempotencyChecker
	metrics   *IdempotencyMetrics

	// onDuplicate is called with (command type, tier) for every hit.
	onDuplicate func(commandType, tier string)
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}
}

func compositeKey(commandType, idempotencyKey string) string {
	return commandType + ":" + idempotencyKey
}

// IsDuplicate checks if a command has been processed (two-tier lookup)
func (ic *IdempotencyChecker) IsDuplicate(commandType string, idempotencyKey string) bool {
	key := compositeKey(commandType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, idempotencyKey)
		if err != nil {
			// Assume not duplicate: a DB outage must not block processing.
			ic.metrics.RecordTier2Error()
			return false
		}

		if isDup {
			ic.recordDuplicate(commandType, "postgres")
			ic.lru.Add(key)
			return true
		}
	}

	return false
}

// IsDuplicateLocal checks the LRU tier only.
func (ic *IdempotencyChecker) IsDuplicateLocal(commandType string, idempotencyKey string) bool {
	if ic.lru.Contains(compositeKey(commandType, idempotencyKey)) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}
	return false
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	ic.metrics.RecordDuplicate(commandType, tier)
	if ic.onDuplicate != nil {
		ic.onDuplicate(commandType, tier)
	}
}

// MarkProcessed adds key to LRU after successful processing
func (ic *IdempotencyChecker) MarkProcessed(commandType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(commandType, idempotencyKey))
}

// GetAllKeys returns the (command type, key) pairs held in the LRU, least
// recently used first.
func (ic *IdempotencyChecker) GetAllKeys() [][2]string {
	keys := ic.lru.Keys()
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		commandType, idempotencyKey, ok := strings.Cut(k, ":")
		if !ok {
			continue
		}
		out = append(out, [2]string{commandType, idempotencyKey})
	}
	return out
}

// Warm loads (command type, key) pairs into the LRU.
func (ic *IdempotencyChecker) Warm(pairs [][2]string) {
	keys := make([]string, 0, len(pairs))
	for _, p := range pairs {
		keys = append(keys, compositeKey(p[0], p[1]))
	}
	ic.lru.WarmFromKeys(keys)
}

// GetMetrics returns metrics for monitoring
func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- LRU Implementation ---

// IdempotencyLRU is an LRU cache for idempotency keys.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front)
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes if exists)
func (lru *IdempotencyLRU) Add(key string) {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return
	}

	elem := lru.lruList.PushFront(key)
	lru.cache[key] = elem

	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
	}
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads keys in order, so the last key ends up most recent.
// Used on restart so recently processed commands skip the DB lookup.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// Keys returns every key, least recently used first.
func (lru *IdempotencyLRU) Keys() []string {
	out := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

// Size returns current number of entries
func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

// Evictions returns total evictions (for metrics)
func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // command_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(commandType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[commandType]++
	} else {
		m.duplicatesPostgres[commandType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(commandType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[commandType], m.duplicatesPostgres[commandType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
