package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"custodian/core"
	"custodian/storage"
)

// mockEventStore is an in-memory stand-in for the index backend. Rows with
// the same event id merge by summing repeat counts, mirroring the backend's
// merge semantics.
type mockEventStore struct {
	mu     sync.Mutex
	events map[string]map[string]*core.IndexedEvent // caseID|fileID -> eventID -> event

	failInsert error
}

func newMockEventStore() *mockEventStore {
	return &mockEventStore{events: make(map[string]map[string]*core.IndexedEvent)}
}

func scopeKey(caseID, fileID string) string { return caseID + "|" + fileID }

func (m *mockEventStore) InsertBatch(_ context.Context, events []*core.IndexedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInsert != nil {
		return m.failInsert
	}
	for _, ev := range events {
		key := scopeKey(ev.CaseID, ev.FileID)
		if m.events[key] == nil {
			m.events[key] = make(map[string]*core.IndexedEvent)
		}
		if existing, ok := m.events[key][ev.EventID]; ok {
			existing.RepeatCount += ev.RepeatCount
			continue
		}
		clone := *ev
		m.events[key][ev.EventID] = &clone
	}
	return nil
}

func (m *mockEventStore) DeleteForFile(_ context.Context, caseID, fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, scopeKey(caseID, fileID))
	return nil
}

func (m *mockEventStore) CountForFile(_ context.Context, caseID, fileID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events[scopeKey(caseID, fileID)])), nil
}

func (m *mockEventStore) SearchFieldEquals(_ context.Context, caseID, fileID, field, value string) ([]storage.FieldHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []storage.FieldHit
	for _, ev := range m.events[scopeKey(caseID, fileID)] {
		fieldValue, ok := ev.Fields[field]
		if !ok {
			continue
		}
		if strings.EqualFold(fmt.Sprintf("%v", fieldValue), value) {
			hits = append(hits, storage.FieldHit{EventID: ev.EventID, Field: field})
		}
	}
	return hits, nil
}

func (m *mockEventStore) SearchRawContains(_ context.Context, caseID, fileID, value string) ([]storage.FieldHit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hits []storage.FieldHit
	for _, ev := range m.events[scopeKey(caseID, fileID)] {
		if strings.Contains(strings.ToLower(string(ev.RawData)), strings.ToLower(value)) {
			hits = append(hits, storage.FieldHit{EventID: ev.EventID, Field: "raw_data"})
		}
	}
	return hits, nil
}

// get returns the stored event, for assertions.
func (m *mockEventStore) get(caseID, fileID, eventID string) *core.IndexedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[scopeKey(caseID, fileID)][eventID]
}

// captureEnqueuer records dispatched tasks instead of queueing them.
type captureEnqueuer struct {
	mu    sync.Mutex
	tasks []*core.PipelineTask
	fail  map[string]error // fileID -> error
}

func (c *captureEnqueuer) Enqueue(_ context.Context, task *core.PipelineTask) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.fail[task.FileID]; ok {
		return err
	}
	c.tasks = append(c.tasks, task)
	return nil
}
