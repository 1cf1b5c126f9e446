package glucosync

import (
	"context"
	"sync"

	"github.com/dgarrido/glucosync/glucose"
)

// mockBackend is a scriptable in-memory Backend. Mutations fail with
// failWith when set; the remote slice is what MyReadings serves.
type mockBackend struct {
	mu       sync.Mutex
	nextID   int64
	failWith error
	listErr  error
	remote   []glucose.RemoteReading
	created  []glucose.Reading
	updated  []int64
	deleted  []int64
	shared   []string
	calls    []string

	// createGate and listGate, when non-nil, block the corresponding
	// network call until closed.
	createGate chan struct{}
	listGate   chan struct{}
}

func (m *mockBackend) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *mockBackend) setRemote(records ...glucose.RemoteReading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote = records
}

func (m *mockBackend) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *mockBackend) createdLevels() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	levels := make([]int, 0, len(m.created))
	for i := range m.created {
		levels = append(levels, m.created[i].WireLevel())
	}
	return levels
}

func (m *mockBackend) CreateReading(ctx context.Context, r *glucose.Reading) (*glucose.RemoteReading, error) {
	if m.createGate != nil {
		<-m.createGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "create")
	if m.failWith != nil {
		return nil, m.failWith
	}
	m.nextID++
	m.created = append(m.created, *r)
	return &glucose.RemoteReading{
		ID:           m.nextID,
		UserID:       r.UserID,
		GlucoseLevel: r.WireLevel(),
		ReadingType:  string(r.MealContext),
		CreatedAt:    glucose.FormatBackendDate(r.Time),
		Notes:        r.Notes,
	}, nil
}

func (m *mockBackend) UpdateReading(ctx context.Context, backendID int64, r *glucose.Reading) (*glucose.RemoteReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "update")
	if m.failWith != nil {
		return nil, m.failWith
	}
	m.updated = append(m.updated, backendID)
	return &glucose.RemoteReading{
		ID:           backendID,
		UserID:       r.UserID,
		GlucoseLevel: r.WireLevel(),
		ReadingType:  string(r.MealContext),
		CreatedAt:    glucose.FormatBackendDate(r.Time),
		Notes:        r.Notes,
	}, nil
}

func (m *mockBackend) DeleteReading(ctx context.Context, backendID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "delete")
	if m.failWith != nil {
		return m.failWith
	}
	m.deleted = append(m.deleted, backendID)
	return nil
}

func (m *mockBackend) ShareAppointment(ctx context.Context, appointmentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "share")
	if m.failWith != nil {
		return m.failWith
	}
	m.shared = append(m.shared, appointmentID)
	return nil
}

func (m *mockBackend) MyReadings(ctx context.Context) ([]glucose.RemoteReading, error) {
	if m.listGate != nil {
		<-m.listGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "list")
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]glucose.RemoteReading, len(m.remote))
	copy(out, m.remote)
	return out, nil
}

func (m *mockBackend) LatestReading(ctx context.Context) (*glucose.RemoteReading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "latest")
	if m.listErr != nil {
		return nil, m.listErr
	}
	if len(m.remote) == 0 {
		return nil, nil
	}
	last := m.remote[len(m.remote)-1]
	return &last, nil
}

var _ Backend = (*mockBackend)(nil)
