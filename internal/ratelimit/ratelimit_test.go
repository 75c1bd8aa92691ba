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

package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowsWithinBudget(t *testing.T) {
	l := New(Config{MaxRequests: 2, Window: time.Minute})

	r1 := l.CheckAndRecord("1.2.3.4")
	require.True(t, r1.Allowed)
	require.Equal(t, 1, r1.Remaining)

	r2 := l.CheckAndRecord("1.2.3.4")
	require.True(t, r2.Allowed)
	require.Equal(t, 0, r2.Remaining)
}

func TestLimiter_DeniesOverBudget(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Minute})

	require.True(t, l.CheckAndRecord("1.2.3.4").Allowed)
	r := l.CheckAndRecord("1.2.3.4")
	require.False(t, r.Allowed)
	require.Equal(t, 0, r.Remaining)
}

func TestLimiter_PerIdentifierIsolation(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Minute})

	require.True(t, l.CheckAndRecord("client-a").Allowed)
	require.True(t, l.CheckAndRecord("client-b").Allowed)
	require.False(t, l.CheckAndRecord("client-a").Allowed)
}

func TestLimiter_WindowSlidesOpenAfterExpiry(t *testing.T) {
	l := New(Config{MaxRequests: 1, Window: time.Minute})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	require.True(t, l.CheckAndRecord("1.2.3.4").Allowed)
	require.False(t, l.CheckAndRecord("1.2.3.4").Allowed)

	clock = clock.Add(time.Minute + time.Second)
	require.True(t, l.CheckAndRecord("1.2.3.4").Allowed)
}
