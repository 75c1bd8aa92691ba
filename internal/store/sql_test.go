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

package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDBPool_GetOpensAndCachesSQLiteConnection(t *testing.T) {
	p := NewDBPool()
	defer p.Close()

	db1, err := p.Get(DialectSQLite, "file::memory:?cache=shared")
	require.NoError(t, err)
	require.NotNil(t, db1)

	db2, err := p.Get(DialectSQLite, "file::memory:?cache=shared")
	require.NoError(t, err)
	require.Same(t, db1, db2)
}

func TestDBPool_UnsupportedDialect(t *testing.T) {
	p := NewDBPool()
	defer p.Close()

	_, err := p.Get(Dialect("oracle"), "dsn")
	require.Error(t, err)
}

func TestDBPool_DifferentDSNsGetDistinctConnections(t *testing.T) {
	p := NewDBPool()
	defer p.Close()

	db1, err := p.Get(DialectSQLite, "file:a?mode=memory&cache=shared")
	require.NoError(t, err)
	db2, err := p.Get(DialectSQLite, "file:b?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NotSame(t, db1, db2)
}
