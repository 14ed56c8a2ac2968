// Package checkpoint stores rotation cursors so an interrupted job resumes
// after the last committed row.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"fieldcrypt/rotation"
)

// Record is a saved cursor.
type Record struct {
	Job       string    `msgpack:"job" json:"job"`
	Table     string    `msgpack:"table" json:"table"`
	LastID    string    `msgpack:"last_id" json:"last_id"`
	UpdatedAt time.Time `msgpack:"updated_at" json:"updated_at"`
}

// Memory keeps checkpoints for the lifetime of the process.
type Memory struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

var (
	_ rotation.Checkpointer = (*Memory)(nil)
	_ rotation.Checkpointer = (*Redis)(nil)
)

func NewMemory() *Memory {
	return &Memory{records: make(map[string]Record), now: time.Now}
}

func (m *Memory) Load(_ context.Context, job, table string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[job+"/"+table].LastID, nil
}

func (m *Memory) Save(_ context.Context, job, table, lastID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[job+"/"+table] = Record{Job: job, Table: table, LastID: lastID, UpdatedAt: m.now()}
	return nil
}

func (m *Memory) Clear(_ context.Context, job, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, job+"/"+table)
	return nil
}

// Get returns the full record of a checkpoint.
func (m *Memory) Get(_ context.Context, job, table string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[job+"/"+table]
	return r, ok, nil
}
