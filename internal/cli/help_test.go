// Copyright 2026 Autoflow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"
)

func testRoot() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "autoflow",
		Short: "Test root",
	}

	sampleCmd := &cobra.Command{
		Use:   "sample",
		Short: "Sample subcommand",
	}
	sampleCmd.Flags().String("catalog", "", "Path to capability catalog")
	rootCmd.AddCommand(sampleCmd)

	rootCmd.SetHelpCommand(newHelpCommand(rootCmd))
	return rootCmd
}

func TestHelpCommandJSON(t *testing.T) {
	rootCmd := testRoot()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"help", "--json"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var resp struct {
		Commands []CommandMetadata `json:"commands"`
	}
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse JSON output: %v\noutput: %s", err, buf.String())
	}

	if len(resp.Commands) == 0 {
		t.Fatal("expected at least one command in listing")
	}

	found := false
	for _, c := range resp.Commands {
		if c.Name == "sample" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected 'sample' in command listing, got: %+v", resp.Commands)
	}
}

func TestHelpCommandJSON_SpecificCommand(t *testing.T) {
	rootCmd := testRoot()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"help", "sample", "--json"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var meta CommandMetadata
	if err := json.Unmarshal(buf.Bytes(), &meta); err != nil {
		t.Fatalf("failed to parse JSON output: %v\noutput: %s", err, buf.String())
	}

	if meta.Name != "sample" {
		t.Errorf("expected command name 'sample', got %q", meta.Name)
	}

	foundFlag := false
	for _, f := range meta.Flags {
		if f.Name == "catalog" {
			foundFlag = true
		}
	}
	if !foundFlag {
		t.Errorf("expected 'catalog' flag in metadata, got: %+v", meta.Flags)
	}
}

func TestHelpCommandUnknown(t *testing.T) {
	rootCmd := testRoot()

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"help", "ghost"})

	if err := rootCmd.Execute(); err == nil {
		t.Fatal("expected an error for unknown command")
	}
}
