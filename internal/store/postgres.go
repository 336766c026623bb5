package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// PostgresStore maps logical tables onto Postgres tables. Every logical
// column is a TEXT column holding the canonical cell encoding; a hidden
// "pos" bigserial provides the physical row position. Schema self-healing
// appends missing columns and never drops or reorders anything.
type PostgresStore struct {
	db *sql.DB

	mu    sync.RWMutex
	specs map[string]TableSpec
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, specs: make(map[string]TableSpec)}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (s *PostgresStore) EnsureSchema(ctx context.Context, spec TableSpec) (DriftReport, error) {
	report := DriftReport{Table: spec.Name}

	createStmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (pos BIGSERIAL PRIMARY KEY)`,
		quoteIdent(spec.Name),
	)
	if _, err := s.db.ExecContext(ctx, createStmt); err != nil {
		return report, fmt.Errorf("create table %s: %w", spec.Name, err)
	}

	current, err := s.currentColumns(ctx, spec.Name)
	if err != nil {
		return report, err
	}
	report = detectDrift(spec, current)

	existing := make(map[string]bool, len(current))
	for _, name := range current {
		existing[name] = true
	}
	for _, col := range spec.Columns {
		if existing[col.Name] {
			continue
		}
		alter := fmt.Sprintf(
			`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s TEXT NOT NULL DEFAULT ''`,
			quoteIdent(spec.Name), quoteIdent(col.Name),
		)
		if _, err := s.db.ExecContext(ctx, alter); err != nil {
			return report, fmt.Errorf("add column %s.%s: %w", spec.Name, col.Name, err)
		}
	}

	s.mu.Lock()
	s.specs[spec.Name] = spec
	s.mu.Unlock()
	return report, nil
}

func (s *PostgresStore) currentColumns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position
	`, table)
	if err != nil {
		return nil, fmt.Errorf("read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan column of %s: %w", table, err)
		}
		if name == "pos" {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *PostgresStore) spec(table string) (TableSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spec, ok := s.specs[table]
	if !ok {
		return TableSpec{}, fmt.Errorf("schema not ensured for table %s", table)
	}
	return spec, nil
}

func (s *PostgresStore) Headers(ctx context.Context, table string) ([]string, error) {
	return s.currentColumns(ctx, table)
}

func (s *PostgresStore) selectList(spec TableSpec) string {
	parts := make([]string, 0, len(spec.Columns)+1)
	parts = append(parts, "pos")
	for _, col := range spec.Columns {
		parts = append(parts, quoteIdent(col.Name))
	}
	return strings.Join(parts, ", ")
}

func (s *PostgresStore) scanRow(spec TableSpec, scan func(dest ...any) error) (int64, Row, error) {
	pos := int64(0)
	texts := make([]string, len(spec.Columns))
	dest := make([]any, 0, len(spec.Columns)+1)
	dest = append(dest, &pos)
	for i := range texts {
		dest = append(dest, &texts[i])
	}
	if err := scan(dest...); err != nil {
		return 0, nil, err
	}
	row := make(Row, len(spec.Columns))
	for i, col := range spec.Columns {
		row[col.Name] = DecodeText(col.Kind, texts[i])
	}
	return pos, row, nil
}

func (s *PostgresStore) FindRowByKey(ctx context.Context, table, keyColumn, keyValue string) (*FoundRow, error) {
	spec, err := s.spec(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE btrim(%s) = $1 ORDER BY pos LIMIT 1`,
		s.selectList(spec), quoteIdent(table), quoteIdent(keyColumn),
	)
	pos, row, err := s.scanRow(spec, s.db.QueryRowContext(ctx, query, strings.TrimSpace(keyValue)).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find row in %s: %w", table, err)
	}
	return &FoundRow{Position: pos, Row: row}, nil
}

func (s *PostgresStore) UpsertRow(ctx context.Context, table string, position int64, row Row) (int64, error) {
	spec, err := s.spec(table)
	if err != nil {
		return 0, err
	}

	if position > 0 {
		sets := make([]string, len(spec.Columns))
		args := make([]any, 0, len(spec.Columns)+1)
		for i, col := range spec.Columns {
			sets[i] = fmt.Sprintf("%s = $%d", quoteIdent(col.Name), i+1)
			args = append(args, row.Get(col.Name).EncodeText())
		}
		args = append(args, position)
		query := fmt.Sprintf(
			`UPDATE %s SET %s WHERE pos = $%d`,
			quoteIdent(table), strings.Join(sets, ", "), len(spec.Columns)+1,
		)
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, fmt.Errorf("update row %d in %s: %w", position, table, err)
		}
		if n, err := result.RowsAffected(); err == nil && n == 0 {
			return 0, fmt.Errorf("row position %d out of range for %s", position, table)
		}
		return position, nil
	}

	cols := make([]string, len(spec.Columns))
	placeholders := make([]string, len(spec.Columns))
	args := make([]any, len(spec.Columns))
	for i, col := range spec.Columns {
		cols[i] = quoteIdent(col.Name)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row.Get(col.Name).EncodeText()
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) RETURNING pos`,
		quoteIdent(table), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)
	var pos int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&pos); err != nil {
		return 0, fmt.Errorf("append row to %s: %w", table, err)
	}
	return pos, nil
}

func (s *PostgresStore) UpdateCell(ctx context.Context, table string, position int64, column string, value Value) error {
	query := fmt.Sprintf(
		`UPDATE %s SET %s = $1 WHERE pos = $2`,
		quoteIdent(table), quoteIdent(column),
	)
	result, err := s.db.ExecContext(ctx, query, value.EncodeText(), position)
	if err != nil {
		return fmt.Errorf("update cell %s.%s: %w", table, column, err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("row position %d out of range for %s", position, table)
	}
	return nil
}

func (s *PostgresStore) AppendRow(ctx context.Context, table string, row Row) error {
	_, err := s.UpsertRow(ctx, table, 0, row)
	return err
}

func (s *PostgresStore) ScanRows(ctx context.Context, table string) ([]Row, error) {
	spec, err := s.spec(table)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY pos`, s.selectList(spec), quoteIdent(table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		_, row, err := s.scanRow(spec, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan row of %s: %w", table, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
