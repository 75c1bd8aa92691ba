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

// GatewayError is a persistence-gateway error, grounded on the teacher's
// *TaskError sentinel-error shape (pkg/task/task.go).
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string { return e.Message }

// Sentinel gateway errors (§4.2). TenantMismatch is fatal and must never be
// treated as recoverable by a caller.
var (
	ErrNotFound       = &GatewayError{Code: "not_found", Message: "entity not found"}
	ErrConflict       = &GatewayError{Code: "conflict", Message: "duplicate or conflicting write"}
	ErrTenantMismatch = &GatewayError{Code: "tenant_mismatch", Message: "attempt to access another organization's data"}
)
