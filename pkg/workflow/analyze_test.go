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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autoflowhq/autoflow/pkg/errors"
)

func diamondDef() *Definition {
	return &Definition{
		ID: "wf-diamond",
		Steps: []Step{
			{ID: "a", Service: "gmail", Action: "search_emails", EstimatedDuration: 2},
			{ID: "b", Service: "asana", Action: "create_task", DependsOn: []string{"a"}, EstimatedDuration: 1.5},
			{ID: "c", Service: "slack", Action: "notify", DependsOn: []string{"a"}, EstimatedDuration: 0.5},
			{ID: "d", Service: "gmail", Action: "send_email", DependsOn: []string{"b", "c"}, EstimatedDuration: 1},
		},
	}
}

func TestAnalyzeLayering(t *testing.T) {
	ctx := context.Background()
	analyzer := NewAnalyzer(testCatalog())

	t.Run("diamond layers into three stages", func(t *testing.T) {
		plan, _, err := analyzer.Analyze(ctx, diamondDef(), StrategyPerformance)
		require.NoError(t, err)

		require.Len(t, plan.Stages, 3)
		assert.Equal(t, Stage{"a"}, plan.Stages[0])
		assert.ElementsMatch(t, Stage{"b", "c"}, plan.Stages[1])
		assert.Equal(t, Stage{"d"}, plan.Stages[2])
		assert.Equal(t, "wf-diamond", plan.WorkflowID)
		assert.Equal(t, StrategyPerformance, plan.Strategy)
		assert.NotEmpty(t, plan.ID)
	})

	t.Run("every dependency lands in an earlier stage", func(t *testing.T) {
		def := diamondDef()
		plan, _, err := analyzer.Analyze(ctx, def, StrategyPerformance)
		require.NoError(t, err)

		for _, step := range def.Steps {
			for _, dep := range step.DependsOn {
				assert.Less(t, plan.StageOf(dep), plan.StageOf(step.ID),
					"dependency %s of %s must resolve earlier", dep, step.ID)
			}
		}
		assert.ElementsMatch(t, def.StepIDs(), plan.StepIDs())
	})

	t.Run("layering is deterministic", func(t *testing.T) {
		first, _, err := analyzer.Analyze(ctx, diamondDef(), StrategyCost)
		require.NoError(t, err)
		second, _, err := analyzer.Analyze(ctx, diamondDef(), StrategyCost)
		require.NoError(t, err)
		assert.Equal(t, first.Stages, second.Stages)
	})

	t.Run("independent steps share one stage", func(t *testing.T) {
		def := &Definition{
			ID: "wf-flat",
			Steps: []Step{
				{ID: "a", Service: "gmail", Action: "search_emails"},
				{ID: "b", Service: "asana", Action: "create_task"},
				{ID: "c", Service: "gmail", Action: "send_email"},
			},
		}
		plan, _, err := analyzer.Analyze(ctx, def, StrategyPerformance)
		require.NoError(t, err)
		require.Len(t, plan.Stages, 1)
		assert.Len(t, plan.Stages[0], 3)
	})
}

func TestAnalyzeInfeasible(t *testing.T) {
	ctx := context.Background()
	analyzer := NewAnalyzer(testCatalog())

	tests := []struct {
		name string
		def  *Definition
	}{
		{
			name: "empty workflow",
			def:  &Definition{ID: "wf"},
		},
		{
			name: "duplicate step id",
			def: &Definition{ID: "wf", Steps: []Step{
				{ID: "a", Service: "s", Action: "x"},
				{ID: "a", Service: "s", Action: "y"},
			}},
		},
		{
			name: "unknown dependency",
			def: &Definition{ID: "wf", Steps: []Step{
				{ID: "a", Service: "s", Action: "x", DependsOn: []string{"ghost"}},
			}},
		},
		{
			name: "two step cycle",
			def: &Definition{ID: "wf", Steps: []Step{
				{ID: "a", Service: "s", Action: "x", DependsOn: []string{"b"}},
				{ID: "b", Service: "s", Action: "y", DependsOn: []string{"a"}},
			}},
		},
		{
			name: "cycle behind a valid prefix",
			def: &Definition{ID: "wf", Steps: []Step{
				{ID: "a", Service: "s", Action: "x"},
				{ID: "b", Service: "s", Action: "y", DependsOn: []string{"a", "d"}},
				{ID: "c", Service: "s", Action: "z", DependsOn: []string{"b"}},
				{ID: "d", Service: "s", Action: "w", DependsOn: []string{"c"}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := analyzer.Analyze(ctx, tt.def, StrategyPerformance)
			var infeasible *errors.InfeasiblePlanError
			require.ErrorAs(t, err, &infeasible)
		})
	}
}

func TestAnalyzeStrategies(t *testing.T) {
	ctx := context.Background()
	analyzer := NewAnalyzer(testCatalog())

	t.Run("performance orders longest step first", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "quick", Service: "slack", Action: "notify", EstimatedDuration: 0.5},
				{ID: "slow", Service: "gmail", Action: "search_emails", EstimatedDuration: 2},
			},
		}
		plan, _, err := analyzer.Analyze(ctx, def, StrategyPerformance)
		require.NoError(t, err)
		require.Len(t, plan.Stages, 1)
		assert.Equal(t, Stage{"slow", "quick"}, plan.Stages[0])
	})

	t.Run("cost serializes steps on a rate limited service", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "n1", Service: "slack", Action: "notify"},
				{ID: "n2", Service: "slack", Action: "notify"},
				{ID: "t1", Service: "asana", Action: "create_task"},
			},
		}
		plan, _, err := analyzer.Analyze(ctx, def, StrategyCost)
		require.NoError(t, err)

		// slack is rate limited, so n1 and n2 must not share a stage.
		assert.NotEqual(t, plan.StageOf("n1"), plan.StageOf("n2"))
		assert.ElementsMatch(t, []string{"n1", "n2", "t1"}, plan.StepIDs())
	})

	t.Run("cost leaves unlimited services parallel", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "t1", Service: "asana", Action: "create_task"},
				{ID: "t2", Service: "asana", Action: "create_task"},
			},
		}
		plan, _, err := analyzer.Analyze(ctx, def, StrategyCost)
		require.NoError(t, err)
		assert.Equal(t, plan.StageOf("t1"), plan.StageOf("t2"))
	})

	t.Run("reliability inflates retries for non idempotent steps", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "search", Service: "gmail", Action: "search_emails"},
				{ID: "send", Service: "gmail", Action: "send_email"},
			},
		}
		plan, _, err := analyzer.Analyze(ctx, def, StrategyReliability)
		require.NoError(t, err)

		// send_email is not idempotent in the catalog; search_emails is.
		require.Contains(t, plan.RetryOverrides, "send")
		assert.NotContains(t, plan.RetryOverrides, "search")
		assert.Equal(t, DefaultRetryMaxAttempts+2, plan.RetryOverrides["send"].MaxAttempts)
	})

	t.Run("reliability orders side effect free steps first", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "send", Service: "gmail", Action: "send_email"},
				{ID: "search", Service: "gmail", Action: "search_emails"},
			},
		}
		plan, _, err := analyzer.Analyze(ctx, def, StrategyReliability)
		require.NoError(t, err)
		require.Len(t, plan.Stages, 1)
		assert.Equal(t, Stage{"search", "send"}, plan.Stages[0])
	})
}

func TestAnalyzeSuggestions(t *testing.T) {
	ctx := context.Background()
	analyzer := NewAnalyzer(testCatalog())

	t.Run("performance flags dominant step", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "heavy", Service: "gmail", Action: "search_emails", EstimatedDuration: 10},
				{ID: "light", Service: "slack", Action: "notify", EstimatedDuration: 2},
			},
		}
		_, suggestions, err := analyzer.Analyze(ctx, def, StrategyPerformance)
		require.NoError(t, err)

		require.Len(t, suggestions, 1)
		assert.Equal(t, SuggestionParallelize, suggestions[0].Kind)
		assert.Equal(t, []string{"heavy"}, suggestions[0].TargetStepIDs)
		assert.InDelta(t, 8.0, suggestions[0].EstimatedGainSeconds, 0.001)
	})

	t.Run("no dominance suggestion for balanced stage", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "x", Service: "gmail", Action: "search_emails", EstimatedDuration: 3},
				{ID: "y", Service: "slack", Action: "notify", EstimatedDuration: 2},
			},
		}
		_, suggestions, err := analyzer.Analyze(ctx, def, StrategyPerformance)
		require.NoError(t, err)
		assert.Empty(t, suggestions)
	})

	t.Run("cost flags adjacent mergeable steps", func(t *testing.T) {
		params := map[string]any{"channel": "#ops"}
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "n1", Service: "slack", Action: "notify", Parameters: params},
				{ID: "n2", Service: "slack", Action: "notify", Parameters: map[string]any{"channel": "#eng"}, DependsOn: []string{"n1"}},
			},
		}
		_, suggestions, err := analyzer.Analyze(ctx, def, StrategyCost)
		require.NoError(t, err)

		require.Len(t, suggestions, 1)
		assert.Equal(t, SuggestionMerge, suggestions[0].Kind)
		assert.Equal(t, []string{"n1", "n2"}, suggestions[0].TargetStepIDs)
	})

	t.Run("reliability recommends reordering read only steps", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "send", Service: "gmail", Action: "send_email"},
				{ID: "search", Service: "gmail", Action: "search_emails"},
			},
		}
		_, suggestions, err := analyzer.Analyze(ctx, def, StrategyReliability)
		require.NoError(t, err)

		require.Len(t, suggestions, 1)
		assert.Equal(t, SuggestionReorder, suggestions[0].Kind)
		assert.Equal(t, []string{"search"}, suggestions[0].TargetStepIDs)
	})

	t.Run("performance surfaces cache hits from history", func(t *testing.T) {
		def := &Definition{
			ID: "wf",
			Steps: []Step{
				{ID: "search", Service: "gmail", Action: "search_emails", Parameters: map[string]any{"q": "is:unread"}},
			},
		}
		withHistory := NewAnalyzer(testCatalog()).WithHistory(historyFunc(func(ctx context.Context, service, action string, params map[string]any) (bool, error) {
			return service == "gmail" && action == "search_emails", nil
		}))
		_, suggestions, err := withHistory.Analyze(ctx, def, StrategyPerformance)
		require.NoError(t, err)

		require.Len(t, suggestions, 1)
		assert.Equal(t, SuggestionCache, suggestions[0].Kind)
		assert.Equal(t, []string{"search"}, suggestions[0].TargetStepIDs)
	})
}

// historyFunc adapts a function to the RunHistory interface.
type historyFunc func(ctx context.Context, service, action string, params map[string]any) (bool, error)

func (f historyFunc) HasSuccessfulInvocation(ctx context.Context, service, action string, params map[string]any) (bool, error) {
	return f(ctx, service, action, params)
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in     string
		want   Strategy
		wantOK bool
	}{
		{"performance", StrategyPerformance, true},
		{"cost", StrategyCost, true},
		{"reliability", StrategyReliability, true},
		{"", StrategyPerformance, true},
		{"fastest", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseStrategy(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("ParseStrategy(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}
