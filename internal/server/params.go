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

package server

import (
	"encoding/json"
	"fmt"

	"github.com/shaman-run/shaman/internal/a2a"
	"github.com/shaman-run/shaman/internal/transport"
)

// messageSendParams is message/send and message/stream's shared params
// shape (§4.8): an agent name plus the A2A Message to deliver.
type messageSendParams struct {
	AgentName string      `json:"agentName"`
	Message   a2a.Message `json:"message"`
}

func decodeMessageSendParams(raw json.RawMessage) (messageSendParams, *transport.Error) {
	var p messageSendParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, transport.NewError(transport.CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if p.AgentName == "" {
		return p, transport.NewError(transport.CodeInvalidParams, "agentName is required")
	}
	if len(p.Message.Parts) == 0 {
		return p, transport.NewError(transport.CodeInvalidParams, "message.parts must not be empty")
	}
	return p, nil
}

// textOf concatenates a Message's text parts, which is all the execution
// loop consumes as its textual input (§4.6); data/error parts are not
// passed on.
func textOf(msg a2a.Message) string {
	var out string
	for _, part := range msg.Parts {
		if part.Kind == a2a.PartKindText {
			out += part.Text
		}
	}
	return out
}

type taskIDParams struct {
	ID string `json:"id"`
}

func decodeTaskIDParams(raw json.RawMessage) (taskIDParams, *transport.Error) {
	var p taskIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, transport.NewError(transport.CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	if p.ID == "" {
		return p, transport.NewError(transport.CodeInvalidParams, "id is required")
	}
	return p, nil
}
