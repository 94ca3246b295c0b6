package pinroute

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned by a Backend when no profile exists for a key.
var ErrNotFound = errors.New("profile not found")

// ObservationRecord is one line of the append-only observation log.
type ObservationRecord struct {
	Timestamp time.Time `json:"ts"`
	JA3       string    `json:"ja3"`
	SNI       string    `json:"sni,omitempty"`
	Success   bool      `json:"success"`
	Reason    string    `json:"reason,omitempty"`
}

// ObservationReplayer is implemented by backends that can walk their
// observation log, oldest first.
type ObservationReplayer interface {
	ReplayObservations(fn func(ObservationRecord) error) error
}

// Backend is the durable key-value collaborator of the ReputationStore.
// Profiles are keyed by JA3 hex. Implementations must be safe for concurrent
// use; the store only calls them off the connection path.
type Backend interface {
	// LoadProfile returns ErrNotFound if ja3 is unknown.
	LoadProfile(ctx context.Context, ja3 string) (*AppProfile, error)
	// ForEachProfile calls fn for every stored profile.
	ForEachProfile(ctx context.Context, fn func(*AppProfile) error) error
	SaveProfiles(ctx context.Context, profiles []*AppProfile) error
	AppendObservations(ctx context.Context, records []ObservationRecord) error
	Close() error
}

func encodeProfile(p *AppProfile) ([]byte, error) {
	return json.Marshal(p.stored())
}

func decodeProfile(b []byte) (*AppProfile, error) {
	var s storedProfile
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	return s.profile(), nil
}

// MemoryBackend keeps everything in process memory. It is what the store
// uses when no durable backend is configured, and what the tests use.
type MemoryBackend struct {
	mu       sync.Mutex
	profiles map[string][]byte
	log      []ObservationRecord
	failWith error
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{profiles: make(map[string][]byte)}
}

func (m *MemoryBackend) LoadProfile(_ context.Context, ja3 string) (*AppProfile, error) {
	m.mu.Lock()
	b, ok := m.profiles[ja3]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeProfile(b)
}

func (m *MemoryBackend) ForEachProfile(_ context.Context, fn func(*AppProfile) error) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.profiles))
	for k := range m.profiles {
		keys = append(keys, k)
	}
	m.mu.Unlock()
	sort.Strings(keys)

	for _, k := range keys {
		p, err := m.LoadProfile(context.Background(), k)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryBackend) SaveProfiles(_ context.Context, profiles []*AppProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	for _, p := range profiles {
		b, err := encodeProfile(p)
		if err != nil {
			return err
		}
		m.profiles[p.JA3] = b
	}
	return nil
}

func (m *MemoryBackend) AppendObservations(_ context.Context, records []ObservationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.log = append(m.log, records...)
	return nil
}

// SetFailure makes subsequent writes fail with err, or succeed if err is nil.
func (m *MemoryBackend) SetFailure(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

func (m *MemoryBackend) ReplayObservations(fn func(ObservationRecord) error) error {
	for _, rec := range m.Observations() {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Observations returns a copy of the observation log.
func (m *MemoryBackend) Observations() []ObservationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ObservationRecord(nil), m.log...)
}

func (*MemoryBackend) Close() error { return nil }

var (
	_ Backend             = (*MemoryBackend)(nil)
	_ ObservationReplayer = (*MemoryBackend)(nil)
)
