package flowctx

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
)

// SchemaVersion is the persisted record format version. Load rejects and
// deletes records carrying any other version.
const SchemaVersion = 2

// DefaultTTL bounds how long a persisted flow context stays loadable.
const DefaultTTL = 30 * time.Minute

const (
	keyPrefix  = "payflow:ctx:"
	currentKey = "payflow:ctx:current"
	indexKey   = "payflow:ctx:index"
)

const (
	ErrCodeStorageFailed = "FLOWCTX_STORAGE_FAILED"
	ErrCodeInvalidRecord = "FLOWCTX_INVALID_RECORD"
)

// Storage is the injected key/value contract. Implementations are
// synchronous; browser-local storage and in-memory maps both satisfy it.
type Storage interface {
	GetItem(key string) (string, bool)
	SetItem(key, value string)
	RemoveItem(key string)
}

// record is the versioned JSON persistence shape.
type record struct {
	SchemaVersion         int                          `json:"schemaVersion"`
	FlowID                string                       `json:"flowId"`
	ProviderID            string                       `json:"providerId,omitempty"`
	ExternalReference     string                       `json:"externalReference,omitempty"`
	ProviderRefs          map[string]map[string]string `json:"providerRefs,omitempty"`
	CreatedAt             int64                        `json:"createdAt,omitempty"`
	ExpiresAt             int64                        `json:"expiresAt,omitempty"`
	LastExternalEventID   string                       `json:"lastExternalEventId,omitempty"`
	LastReturnNonce       string                       `json:"lastReturnNonce,omitempty"`
	LastReturnReferenceID string                       `json:"lastReturnReferenceId,omitempty"`
	LastReturnAt          int64                        `json:"lastReturnAt,omitempty"`
	ReturnParamsSanitized map[string]string            `json:"returnParamsSanitized,omitempty"`
	ReturnURL             string                       `json:"returnUrl,omitempty"`
	CancelURL             string                       `json:"cancelUrl,omitempty"`
	IsTest                bool                         `json:"isTest,omitempty"`
	PersistedAt           int64                        `json:"persistedAt"`
}

// Store persists flow contexts through the key/value contract with a fixed
// TTL window. Saves never extend the expiry beyond the original TTL.
type Store struct {
	mu      sync.Mutex
	storage Storage
	ttl     time.Duration
	now     func() time.Time
}

// StoreOption customizes store construction.
type StoreOption func(*Store)

// WithTTL overrides the default context TTL.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock injects the time source, primarily for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore builds a store over the given key/value storage.
func NewStore(storage Storage, opts ...StoreOption) *Store {
	s := &Store{
		storage: storage,
		ttl:     DefaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Save persists the context and marks it as the current flow. The record's
// expiry is clamped so a rewrite can never push it past the expiry the flow
// was originally given.
func (s *Store) Save(fc *FlowContext) error {
	if s == nil || s.storage == nil {
		return errors.New("flow context storage not configured", errors.CategoryBadInput).
			WithTextCode(ErrCodeStorageFailed)
	}
	if fc == nil || strings.TrimSpace(fc.FlowID) == "" {
		return errors.New("flow context requires a flow id", errors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidRecord)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	createdAt := fc.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	expiresAt := fc.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = createdAt.Add(s.ttl)
	}
	if prior := s.loadRecord(fc.FlowID); prior != nil && prior.ExpiresAt > 0 {
		priorExpiry := time.UnixMilli(prior.ExpiresAt)
		if expiresAt.After(priorExpiry) {
			expiresAt = priorExpiry
		}
	}

	rec := record{
		SchemaVersion:         SchemaVersion,
		FlowID:                fc.FlowID,
		ProviderID:            fc.ProviderID,
		ExternalReference:     fc.ExternalReference,
		ProviderRefs:          fc.ProviderRefs,
		CreatedAt:             createdAt.UnixMilli(),
		ExpiresAt:             expiresAt.UnixMilli(),
		LastExternalEventID:   fc.LastExternalEventID,
		LastReturnNonce:       fc.LastReturnNonce,
		LastReturnReferenceID: fc.LastReturnReferenceID,
		ReturnParamsSanitized: SanitizeReturnParams(fc.ReturnParamsSanitized),
		ReturnURL:             fc.ReturnURL,
		CancelURL:             fc.CancelURL,
		IsTest:                fc.IsTest,
		PersistedAt:           now.UnixMilli(),
	}
	if !fc.LastReturnAt.IsZero() {
		rec.LastReturnAt = fc.LastReturnAt.UnixMilli()
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBadInput, "failed to encode flow context").
			WithTextCode(ErrCodeInvalidRecord)
	}
	s.storage.SetItem(keyPrefix+fc.FlowID, string(raw))
	s.storage.SetItem(currentKey, fc.FlowID)
	s.indexAdd(fc.FlowID, rec.ExpiresAt)
	return nil
}

// Load rehydrates a context by flow id. Records with a mismatched schema
// version or an elapsed expiry are deleted and reported as absent.
func (s *Store) Load(flowID string) (*FlowContext, bool) {
	if s == nil || s.storage == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(flowID)
}

// LoadCurrent rehydrates the most recently saved flow, if any.
func (s *Store) LoadCurrent() (*FlowContext, bool) {
	if s == nil || s.storage == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	flowID, ok := s.storage.GetItem(currentKey)
	if !ok || strings.TrimSpace(flowID) == "" {
		return nil, false
	}
	return s.loadLocked(flowID)
}

// Clear removes the persisted record for a flow.
func (s *Store) Clear(flowID string) {
	if s == nil || s.storage == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(flowID)
}

// PurgeExpired deletes all indexed records whose expiry has elapsed and
// returns how many were removed. The janitor calls this on a schedule.
func (s *Store) PurgeExpired() int {
	if s == nil || s.storage == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UnixMilli()
	index := s.loadIndex()
	purged := 0
	for flowID, expiresAt := range index {
		if expiresAt > now {
			continue
		}
		s.clearLocked(flowID)
		purged++
	}
	return purged
}

func (s *Store) loadLocked(flowID string) (*FlowContext, bool) {
	rec := s.loadRecord(flowID)
	if rec == nil {
		return nil, false
	}
	if rec.SchemaVersion != SchemaVersion {
		s.clearLocked(flowID)
		return nil, false
	}
	if rec.ExpiresAt > 0 && rec.ExpiresAt <= s.now().UnixMilli() {
		s.clearLocked(flowID)
		return nil, false
	}

	fc := &FlowContext{
		FlowID:                rec.FlowID,
		ProviderID:            rec.ProviderID,
		ExternalReference:     rec.ExternalReference,
		ProviderRefs:          rec.ProviderRefs,
		LastExternalEventID:   rec.LastExternalEventID,
		LastReturnNonce:       rec.LastReturnNonce,
		LastReturnReferenceID: rec.LastReturnReferenceID,
		ReturnParamsSanitized: rec.ReturnParamsSanitized,
		ReturnURL:             rec.ReturnURL,
		CancelURL:             rec.CancelURL,
		IsTest:                rec.IsTest,
	}
	if rec.CreatedAt > 0 {
		fc.CreatedAt = time.UnixMilli(rec.CreatedAt)
	}
	if rec.ExpiresAt > 0 {
		fc.ExpiresAt = time.UnixMilli(rec.ExpiresAt)
	}
	if rec.LastReturnAt > 0 {
		fc.LastReturnAt = time.UnixMilli(rec.LastReturnAt)
	}
	return fc, true
}

func (s *Store) loadRecord(flowID string) *record {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return nil
	}
	raw, ok := s.storage.GetItem(keyPrefix + flowID)
	if !ok || raw == "" {
		return nil
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.storage.RemoveItem(keyPrefix + flowID)
		return nil
	}
	return &rec
}

func (s *Store) clearLocked(flowID string) {
	flowID = strings.TrimSpace(flowID)
	if flowID == "" {
		return
	}
	s.storage.RemoveItem(keyPrefix + flowID)
	if current, ok := s.storage.GetItem(currentKey); ok && current == flowID {
		s.storage.RemoveItem(currentKey)
	}
	s.indexRemove(flowID)
}

// The index exists because the key/value contract has no listing operation:
// the janitor needs a way to find expired records without scanning keys.
func (s *Store) loadIndex() map[string]int64 {
	raw, ok := s.storage.GetItem(indexKey)
	if !ok || raw == "" {
		return map[string]int64{}
	}
	index := map[string]int64{}
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		s.storage.RemoveItem(indexKey)
		return map[string]int64{}
	}
	return index
}

func (s *Store) saveIndex(index map[string]int64) {
	if len(index) == 0 {
		s.storage.RemoveItem(indexKey)
		return
	}
	raw, err := json.Marshal(index)
	if err != nil {
		return
	}
	s.storage.SetItem(indexKey, string(raw))
}

func (s *Store) indexAdd(flowID string, expiresAt int64) {
	index := s.loadIndex()
	index[flowID] = expiresAt
	s.saveIndex(index)
}

func (s *Store) indexRemove(flowID string) {
	index := s.loadIndex()
	if _, ok := index[flowID]; !ok {
		return
	}
	delete(index, flowID)
	s.saveIndex(index)
}

// MemoryStorage is a thread-safe in-memory Storage, used by tests and the
// simulation CLI.
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage constructs an empty storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

func (m *MemoryStorage) GetItem(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.items[key]
	return value, ok
}

func (m *MemoryStorage) SetItem(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
}

func (m *MemoryStorage) RemoveItem(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
}

// Keys returns the stored keys in sorted order, for assertions.
func (m *MemoryStorage) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.items))
	for k := range m.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
