// Package expr compiles persona archival triggers written in the expr
// language, e.g. `messages > threshold && chars > 8000`.
package expr

import (
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Env is the set of variables visible to a trigger expression.
type Env struct {
	Messages  int `expr:"messages"`
	Chars     int `expr:"chars"`
	Threshold int `expr:"threshold"`
	Keep      int `expr:"keep"`
	Archives  int `expr:"archives"`
	UserTurns int `expr:"user_turns"`
}

// Trigger is a compiled boolean expression over Env.
type Trigger struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against Env and requires a boolean result.
func Compile(source string) (*Trigger, error) {
	if source == "" {
		return nil, errors.New("empty expression")
	}

	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}

	return &Trigger{
		Source:  source,
		program: program,
	}, nil
}

// Eval runs the trigger against env.
func (t *Trigger) Eval(env Env) (bool, error) {
	if t == nil || t.program == nil {
		return false, errors.New("nil trigger")
	}

	result, err := expr.Run(t.program, env)
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", t.Source, err)
	}

	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", t.Source, result)
	}
	return b, nil
}
