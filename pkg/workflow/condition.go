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

	"github.com/expr-lang/expr"

	"github.com/autoflowhq/autoflow/pkg/errors"
)

// evaluateCondition evaluates a step guard expression against the
// outputs of upstream steps. The environment exposes:
//
//	steps  - map of step ID to that step's output data
//	params - the guarded step's own parameters
//
// Supported expressions follow expr-lang syntax, e.g.:
//
//	steps.search_emails.count > 0
//	"urgent" in steps.classify.labels
//	params.channel == "#alerts"
//
// A non-boolean result is a validation error; the engine surfaces it as
// a step failure rather than a silent skip.
func evaluateCondition(condition string, stepOutputs map[string]map[string]any, params map[string]any) (bool, error) {
	env := map[string]any{
		"steps":  stepOutputs,
		"params": params,
	}

	program, err := expr.Compile(condition, expr.Env(env), expr.AsBool())
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("invalid condition %q: %v", condition, err),
			Suggestion: "use an expr boolean expression over steps.* and params.*",
		}
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition %q failed to evaluate: %v", condition, err),
		}
	}

	ok, isBool := result.(bool)
	if !isBool {
		return false, &errors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition %q did not evaluate to a boolean", condition),
		}
	}
	return ok, nil
}
