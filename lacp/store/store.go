//
//Copyright [2016] [SnapRoute Inc]
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//	 Unless required by applicable law or agreed to in writing, software
//	 distributed under the License is distributed on an "AS IS" BASIS,
//	 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//	 See the License for the specific language governing permissions and
//	 limitations under the License.
//

// Package store persists lacpd administrative state in sqlite.
//
// Only configuration is stored: aggregators and the interfaces that are
// members of them. Protocol state is never persisted; at startup the
// stored aggregators are replayed into a fresh engine.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/oshothebig/l2/lacp/config"
)

const driverName = "sqlite3"

//go:embed schema.sql
var schemaSQL string

// Store is the sqlite backed state store. It is safe for concurrent
// use to the extent *sql.DB is.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// dsn builds a mattn/go-sqlite3 DSN from a path and pragma key-value
// pairs. Each pair is formatted as _key=value in the query string.
func dsn(path string, pragmas [][2]string) string {
	s := path
	for i, p := range pragmas {
		if i == 0 {
			s += "?"
		} else {
			s += "&"
		}
		s += "_" + p[0] + "=" + p[1]
	}
	return s
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	db, err := sql.Open(driverName, dsn(path, [][2]string{
		{"foreign_keys", "on"},
		{"journal_mode", "WAL"},
		{"busy_timeout", "5000"},
	}))
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Debug("store opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAggregator inserts or updates an aggregator row. Members are
// stored separately with SaveMember.
func (s *Store) SaveAggregator(ctx context.Context, a config.AggregatorConfig) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO aggregator (id, name, key, mode, timeout, max_active, port_priority)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    name = excluded.name,
    key = excluded.key,
    mode = excluded.mode,
    timeout = excluded.timeout,
    max_active = excluded.max_active,
    port_priority = excluded.port_priority`,
		a.Id, a.Name, a.Key, a.Mode, a.Timeout, a.MaxActivePorts, a.PortPriority)
	if err != nil {
		return fmt.Errorf("save aggregator %d: %w", a.Id, err)
	}
	return nil
}

// DeleteAggregator removes an aggregator and its members.
func (s *Store) DeleteAggregator(ctx context.Context, id int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM aggregator WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete aggregator %d: %w", id, err)
	}
	return nil
}

// SaveMember records intf as a member of aggregator aggId, moving it if
// it was a member of another one.
func (s *Store) SaveMember(ctx context.Context, intf string, aggId int) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO member (intf, agg_id) VALUES (?, ?)
ON CONFLICT(intf) DO UPDATE SET agg_id = excluded.agg_id`, intf, aggId)
	if err != nil {
		return fmt.Errorf("save member %s: %w", intf, err)
	}
	return nil
}

// DeleteMember removes intf from whatever aggregator holds it.
func (s *Store) DeleteMember(ctx context.Context, intf string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM member WHERE intf = ?`, intf); err != nil {
		return fmt.Errorf("delete member %s: %w", intf, err)
	}
	return nil
}

// Load returns every stored aggregator ordered by id, each with its
// members in the order they were added.
func (s *Store) Load(ctx context.Context) ([]config.AggregatorConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, name, key, mode, timeout, max_active, port_priority
FROM aggregator ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("load aggregators: %w", err)
	}
	defer rows.Close()

	var aggs []config.AggregatorConfig
	index := make(map[int]int)
	for rows.Next() {
		var a config.AggregatorConfig
		if err := rows.Scan(&a.Id, &a.Name, &a.Key, &a.Mode, &a.Timeout, &a.MaxActivePorts, &a.PortPriority); err != nil {
			return nil, fmt.Errorf("scan aggregator: %w", err)
		}
		index[a.Id] = len(aggs)
		aggs = append(aggs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load aggregators: %w", err)
	}

	mrows, err := s.db.QueryContext(ctx, `SELECT intf, agg_id FROM member ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var intf string
		var aggId int
		if err := mrows.Scan(&intf, &aggId); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		if i, ok := index[aggId]; ok {
			aggs[i].Members = append(aggs[i].Members, intf)
		}
	}
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	s.logger.Debug("store loaded", zap.Int("aggregators", len(aggs)))
	return aggs, nil
}

// Seed writes aggs and their members in one transaction. It is used to
// initialise an empty store from configuration.
func (s *Store) Seed(ctx context.Context, aggs []config.AggregatorConfig) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	for _, a := range aggs {
		if _, err = tx.ExecContext(ctx, `
INSERT INTO aggregator (id, name, key, mode, timeout, max_active, port_priority)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.Id, a.Name, a.Key, a.Mode, a.Timeout, a.MaxActivePorts, a.PortPriority); err != nil {
			return fmt.Errorf("seed aggregator %d: %w", a.Id, err)
		}
		for _, m := range a.Members {
			if _, err = tx.ExecContext(ctx, `INSERT INTO member (intf, agg_id) VALUES (?, ?)`, m, a.Id); err != nil {
				return fmt.Errorf("seed member %s: %w", m, err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}
