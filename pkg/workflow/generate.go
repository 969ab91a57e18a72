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

package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/autoflowhq/autoflow/pkg/adapter"
	"github.com/autoflowhq/autoflow/pkg/errors"
)

// GeneratorMode selects the instruction-matching strategy.
type GeneratorMode string

const (
	// GeneratorModeBaseline matches catalog keywords on whole words with
	// simple plural folding.
	GeneratorModeBaseline GeneratorMode = "baseline"

	// GeneratorModeEnhanced additionally matches keywords as word
	// prefixes, catching inflected forms ("notifying" -> "notify").
	// Selected by the enhanced_intelligence flag at the API boundary.
	GeneratorModeEnhanced GeneratorMode = "enhanced"
)

// ParseError reasons reported by the generator.
const (
	ReasonNoRecognizedAction = "no recognizable service action"
	ReasonAmbiguousReference = "ambiguous reference"
)

// Generator converts natural-language instructions into workflow
// definitions by matching instruction clauses against the capability
// catalog. Generation is a pure function of (instruction, catalog):
// the same inputs always produce the same steps and dependency edges.
type Generator struct {
	catalog *adapter.Catalog
	mode    GeneratorMode
}

// NewGenerator creates a generator over the given capability catalog.
func NewGenerator(catalog *adapter.Catalog, mode GeneratorMode) *Generator {
	if mode == "" {
		mode = GeneratorModeBaseline
	}
	return &Generator{catalog: catalog, mode: mode}
}

// triggerPrefixes mark clauses that describe an observed event rather
// than an action to take. The step generated for a trigger clause
// becomes a dependency of every subsequent step.
var triggerPrefixes = []string{"when ", "whenever ", "if ", "every time ", "each time "}

// pronouns that must resolve to a prior step to be meaningful.
var pronouns = map[string]bool{"it": true, "them": true, "those": true}

// clause is an instruction fragment with the joiner that preceded it.
type clause struct {
	text       string
	sequential bool // preceded by "then": depends on the previous step
	trigger    bool
}

// Generate converts an instruction into a workflow definition bound to
// the capabilities of the catalog.
func (g *Generator) Generate(instruction, ownerID string) (*Definition, error) {
	trimmed := strings.TrimSpace(instruction)
	if trimmed == "" {
		return nil, &errors.ValidationError{
			Field:      "instruction",
			Message:    "instruction must not be empty",
			Suggestion: "describe the automation, e.g. \"when I get an email, create a task\"",
		}
	}

	clauses := splitClauses(trimmed)

	var steps []Step
	usedIDs := make(map[string]int)
	triggerID := ""

	for _, cl := range clauses {
		cap, ok := g.match(cl.text)
		if !ok {
			continue
		}

		if hasPronoun(cl.text) && len(steps) == 0 {
			return nil, &errors.ParseError{
				Reason: ReasonAmbiguousReference,
				Detail: fmt.Sprintf("clause %q references a prior result but no step precedes it", cl.text),
			}
		}

		step := Step{
			ID:                stepID(cap.Action, usedIDs),
			Action:            cap.Action,
			Service:           cap.Service,
			Parameters:        map[string]any{"instruction_fragment": cl.text},
			EstimatedDuration: cap.EstimatedDuration,
			Trigger:           cl.trigger && triggerID == "",
		}

		// Dependency wiring, in priority order: the trigger step feeds
		// every step after it; a "then" joiner or a pronoun chains the
		// step onto the previous one; otherwise the step is independent
		// and eligible for parallel execution.
		deps := make(map[string]bool)
		if triggerID != "" {
			deps[triggerID] = true
		}
		if (cl.sequential || hasPronoun(cl.text)) && len(steps) > 0 {
			deps[steps[len(steps)-1].ID] = true
		}
		step.DependsOn = sortedKeys(deps)

		if step.Trigger {
			triggerID = step.ID
		}

		steps = append(steps, step)
	}

	if len(steps) == 0 {
		return nil, &errors.ParseError{
			Reason: ReasonNoRecognizedAction,
			Detail: fmt.Sprintf("no catalog capability matched %q", trimmed),
		}
	}

	return &Definition{
		ID:          uuid.NewString(),
		Name:        workflowName(trimmed),
		Description: trimmed,
		OwnerID:     ownerID,
		Steps:       steps,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// match finds the capability for an instruction clause. A capability
// matches when its service name appears in the clause and one of its
// keywords matches a clause word. A clause without a service mention
// still matches if exactly one capability in the whole catalog owns a
// matching keyword. Catalog order breaks ties deterministically.
func (g *Generator) match(text string) (adapter.Capability, bool) {
	words := tokenize(text)
	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}

	// Service-qualified match first.
	for _, cap := range g.catalog.Capabilities() {
		if !wordSet[strings.ToLower(cap.Service)] {
			continue
		}
		if g.keywordHit(cap, words) {
			return cap, true
		}
	}

	// Unqualified match: accept only when unambiguous across services.
	var found adapter.Capability
	count := 0
	for _, cap := range g.catalog.Capabilities() {
		if g.keywordHit(cap, words) {
			if count == 0 {
				found = cap
			}
			count++
		}
	}
	if count == 1 {
		return found, true
	}
	return adapter.Capability{}, false
}

// keywordHit reports whether any capability keyword matches any clause word.
func (g *Generator) keywordHit(cap adapter.Capability, words []string) bool {
	for _, w := range words {
		for _, kw := range cap.Keywords {
			if matchWord(strings.ToLower(kw), w, g.mode) {
				return true
			}
		}
	}
	return false
}

// matchWord compares a keyword against a single instruction word with
// plural folding; enhanced mode also accepts keyword prefixes.
func matchWord(keyword, word string, mode GeneratorMode) bool {
	if keyword == word || keyword+"s" == word || keyword == word+"s" {
		return true
	}
	if mode == GeneratorModeEnhanced && len(keyword) >= 4 && strings.HasPrefix(word, keyword) {
		return true
	}
	return false
}

// splitClauses breaks an instruction into clauses on commas, semicolons,
// and the joiners "and"/"then", tagging trigger and sequential clauses.
func splitClauses(instruction string) []clause {
	normalized := strings.ToLower(instruction)

	// Commas and semicolons first, then joiner words inside fragments.
	var fragments []string
	for _, part := range strings.FieldsFunc(normalized, func(r rune) bool {
		return r == ',' || r == ';' || r == '.'
	}) {
		fragments = append(fragments, strings.TrimSpace(part))
	}

	var out []clause
	for _, fragment := range fragments {
		if fragment == "" {
			continue
		}
		isTrigger := hasTriggerPrefix(fragment)
		if isTrigger {
			// Keep a trigger clause whole: its "and"s describe the
			// event, not additional actions.
			out = append(out, clause{text: fragment, trigger: true})
			continue
		}
		for _, piece := range splitJoiners(fragment) {
			if piece.text != "" {
				out = append(out, piece)
			}
		}
	}
	return out
}

// splitJoiners splits a fragment on "and"/"then", marking clauses after
// "then" as sequential.
func splitJoiners(fragment string) []clause {
	words := strings.Fields(fragment)
	var out []clause
	current := make([]string, 0, len(words))
	sequential := false

	flush := func(nextSequential bool) {
		if len(current) > 0 {
			out = append(out, clause{text: strings.Join(current, " "), sequential: sequential})
			current = current[:0]
		}
		sequential = nextSequential
	}

	for _, w := range words {
		switch w {
		case "and":
			flush(false)
		case "then":
			flush(true)
		default:
			current = append(current, w)
		}
	}
	flush(false)
	return out
}

func hasTriggerPrefix(fragment string) bool {
	for _, prefix := range triggerPrefixes {
		if strings.HasPrefix(fragment, prefix) {
			return true
		}
	}
	return false
}

func hasPronoun(text string) bool {
	for _, w := range tokenize(text) {
		if pronouns[w] {
			return true
		}
	}
	return false
}

// tokenize lowercases and splits a clause into alphanumeric words.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
		return !isAlnum
	})
}

// stepID derives a unique step identifier from an action name, adding a
// numeric suffix on repeats.
func stepID(action string, used map[string]int) string {
	used[action]++
	if used[action] == 1 {
		return action
	}
	return fmt.Sprintf("%s_%d", action, used[action])
}

func sortedKeys(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// workflowName derives a short display name from the instruction.
func workflowName(instruction string) string {
	const maxLen = 60
	name := instruction
	if len(name) > maxLen {
		cut := strings.LastIndex(name[:maxLen], " ")
		if cut <= 0 {
			cut = maxLen
		}
		name = name[:cut]
	}
	return name
}
