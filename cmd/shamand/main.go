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

// Command shamand is the deployable binary: it loads a deployment config,
// wires the Persistence Gateway, Task Queue, Agent Resolver, LLM Provider
// Registry, Run Scheduler, Worker, and Tool Router together, and serves
// both A2A personas until signaled to stop.
//
// Usage:
//
//	shamand serve --config config.yaml
//	shamand validate --config config.yaml
//	shamand version
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"

	"github.com/shaman-run/shaman/internal/config"
)

// CLI defines shamand's command-line interface.
type CLI struct {
	Serve    ServeCmd    `cmd:"" help:"Run the A2A server (public + internal personas)."`
	Validate ValidateCmd `cmd:"" help:"Validate a deployment config file and exit."`
	Schema   SchemaCmd   `cmd:"" help:"Print the deployment config's JSON Schema and exit."`
	Version  VersionCmd  `cmd:"" help:"Show version information."`

	Config string `short:"c" help:"Path to deployment config YAML." type:"path"`
}

// VersionCmd prints the build version, following the teacher's
// debug.ReadBuildInfo fallback-to-"dev" pattern.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			version = info.Main.Version
		}
	}
	fmt.Printf("shamand version %s\n", version)
	return nil
}

// ValidateCmd loads and validates a config file without starting anything.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	fmt.Printf("config OK: %d agent(s), %d model(s), database=%s queue=%s\n",
		len(cfg.Agents), len(cfg.Models), cfg.Database.Driver, cfg.Queue.Driver)
	return nil
}

// SchemaCmd prints the deployment config's JSON Schema, for editor
// autocompletion (mirrors the teacher's `hector schema` command).
type SchemaCmd struct{}

func (c *SchemaCmd) Run(cli *CLI) error {
	schema, err := config.JSONSchema()
	if err != nil {
		return err
	}
	fmt.Println(string(schema))
	return nil
}

func main() {
	cli := &CLI{}
	ctx := kong.Parse(cli,
		kong.Name("shamand"),
		kong.Description("Shaman agent-orchestration server."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(cli); err != nil {
		fmt.Fprintln(os.Stderr, "shamand:", err)
		os.Exit(1)
	}
}
