package store

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore keeps tables in process memory. It backs tests and redis-less
// development setups; positions are 1-based row indexes.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string]*memTable
}

type memTable struct {
	spec    TableSpec
	headers []string
	rows    []Row
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string]*memTable)}
}

func (s *MemoryStore) EnsureSchema(ctx context.Context, spec TableSpec) (DriftReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := DriftReport{Table: spec.Name}
	t, ok := s.tables[spec.Name]
	if !ok {
		s.tables[spec.Name] = &memTable{spec: spec, headers: spec.columnNames()}
		return report, nil
	}

	report = detectDrift(spec, t.headers)

	// Append missing columns without reordering existing ones.
	existing := make(map[string]bool, len(t.headers))
	for _, h := range t.headers {
		existing[h] = true
	}
	for _, c := range spec.Columns {
		if !existing[c.Name] {
			t.headers = append(t.headers, c.Name)
		}
	}
	t.spec = spec
	return report, nil
}

// detectDrift compares critical columns against the current header layout,
// distinguishing absent columns from columns that moved position.
func detectDrift(spec TableSpec, headers []string) DriftReport {
	report := DriftReport{Table: spec.Name}
	index := make(map[string]int, len(headers))
	for i, h := range headers {
		index[h] = i
	}
	expected := spec.columnNames()
	expectedIndex := make(map[string]int, len(expected))
	for i, name := range expected {
		expectedIndex[name] = i
	}

	for _, name := range spec.Critical {
		current, ok := index[name]
		if !ok {
			report.MissingCritical = append(report.MissingCritical, name)
			continue
		}
		if want, ok := expectedIndex[name]; ok && want != current {
			report.MovedCritical = append(report.MovedCritical, fmt.Sprintf("%s:%d", name, current+1))
		}
	}
	return report
}

func (s *MemoryStore) table(name string) (*memTable, error) {
	t, ok := s.tables[name]
	if !ok {
		return nil, fmt.Errorf("table not found: %s", name)
	}
	return t, nil
}

func (s *MemoryStore) Headers(ctx context.Context, table string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(t.headers))
	copy(out, t.headers)
	return out, nil
}

func (s *MemoryStore) FindRowByKey(ctx context.Context, table, keyColumn, keyValue string) (*FoundRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	want := strings.TrimSpace(keyValue)
	for i, row := range t.rows {
		if strings.TrimSpace(row.Get(keyColumn).AsText()) == want {
			return &FoundRow{Position: int64(i + 1), Row: row.Clone()}, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpsertRow(ctx context.Context, table string, position int64, row Row) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return 0, err
	}
	if position > 0 {
		if int(position) > len(t.rows) {
			return 0, fmt.Errorf("row position %d out of range for %s", position, table)
		}
		t.rows[position-1] = row.Clone()
		return position, nil
	}
	t.rows = append(t.rows, row.Clone())
	return int64(len(t.rows)), nil
}

func (s *MemoryStore) UpdateCell(ctx context.Context, table string, position int64, column string, value Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.table(table)
	if err != nil {
		return err
	}
	if position < 1 || int(position) > len(t.rows) {
		return fmt.Errorf("row position %d out of range for %s", position, table)
	}
	t.rows[position-1][column] = value
	return nil
}

func (s *MemoryStore) AppendRow(ctx context.Context, table string, row Row) error {
	_, err := s.UpsertRow(ctx, table, 0, row)
	return err
}

func (s *MemoryStore) ScanRows(ctx context.Context, table string) ([]Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(table)
	if err != nil {
		return nil, err
	}
	out := make([]Row, len(t.rows))
	for i, row := range t.rows {
		out[i] = row.Clone()
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
