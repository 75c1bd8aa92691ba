// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Shaman Authors
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store's sql.go is grounded directly on the teacher's
// pkg/config/dbpool.go: a process-wide pool of *sql.DB keyed by DSN, so
// multiple Gateway instances (or tests) sharing a DSN reuse one pool.
package store

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect is a database/sql driver name DBPool can open. No Gateway in
// this package uses DBPool, so these dialects have no Gateway of their own.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite3"
)

// DBPool caches one *sql.DB per DSN, grounded on pkg/config/dbpool.go.
type DBPool struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewDBPool constructs an empty pool.
func NewDBPool() *DBPool {
	return &DBPool{pools: make(map[string]*sql.DB)}
}

// Get returns the cached *sql.DB for dialect+dsn, opening one if needed.
func (p *DBPool) Get(dialect Dialect, dsn string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := string(dialect) + "|" + dsn
	if db, ok := p.pools[key]; ok {
		return db, nil
	}
	if dialect != DialectPostgres && dialect != DialectMySQL && dialect != DialectSQLite {
		return nil, fmt.Errorf("store: unsupported dialect %q", dialect)
	}
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", dialect, err)
	}
	p.pools[key] = db
	return db, nil
}

// Close closes every pooled connection.
func (p *DBPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, db := range p.pools {
		db.Close()
	}
	p.pools = make(map[string]*sql.DB)
}
