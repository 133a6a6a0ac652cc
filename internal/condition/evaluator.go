package condition

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"botflow/internal/core"
)

// MessageVariable is the name under which the latest inbound message is exposed to expressions
const MessageVariable = "message"

// Input is what a condition node is evaluated against
type Input struct {
	Message   string
	Variables map[string]any
}

// Evaluator selects the branch label of a condition node.
// Compiled regexes and expression programs are cached and shared between goroutines.
type Evaluator struct {
	mu       sync.RWMutex
	regexes  map[string]*regexp.Regexp
	programs map[string]*vm.Program
}

// NewEvaluator creates an evaluator with empty caches
func NewEvaluator() *Evaluator {
	return &Evaluator{
		regexes:  make(map[string]*regexp.Regexp),
		programs: make(map[string]*vm.Program),
	}
}

// Evaluate walks the predicates in declaration order and returns the label of the first match.
// When nothing matches the default label is returned, or ErrNoMatchingBranch if there is none.
func (e *Evaluator) Evaluate(cfg *core.ConditionConfig, in Input) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("%w: condition has no config", core.ErrNoMatchingBranch)
	}
	for i, p := range cfg.Predicates {
		if p.Kind == core.PredicateAlways {
			return p.Label, nil
		}
		ok, err := e.match(p, in)
		if err != nil {
			return "", fmt.Errorf("%w: predicate %d (%s): %v", core.ErrNoMatchingBranch, i, p.Kind, err)
		}
		if ok {
			return p.Label, nil
		}
	}
	if cfg.Default != "" {
		return cfg.Default, nil
	}
	return "", core.ErrNoMatchingBranch
}

func (e *Evaluator) match(p core.Predicate, in Input) (bool, error) {
	switch p.Kind {
	case core.PredicateKeyword:
		return matchKeywords(p.Keywords, in.Message), nil
	case core.PredicateRegex:
		re, err := e.regex(p.Pattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(in.Message), nil
	case core.PredicateEquals:
		v, ok := in.Variables[p.Variable]
		if !ok {
			return false, nil
		}
		return ValuesEqual(v, p.Value), nil
	case core.PredicateNotEquals:
		v, ok := in.Variables[p.Variable]
		if !ok {
			return true, nil
		}
		return !ValuesEqual(v, p.Value), nil
	case core.PredicateExpression:
		return e.runExpression(p.Expression, in)
	default:
		return false, fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
}

func matchKeywords(keywords []string, message string) bool {
	lower := strings.ToLower(message)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func (e *Evaluator) regex(pattern string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.regexes[pattern]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.regexes[pattern] = re
	e.mu.Unlock()
	return re, nil
}

func (e *Evaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	prog, err := expr.Compile(expression, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.programs[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

func (e *Evaluator) runExpression(expression string, in Input) (bool, error) {
	prog, err := e.program(expression)
	if err != nil {
		return false, err
	}

	env := make(map[string]any, len(in.Variables)+1)
	for k, v := range in.Variables {
		env[k] = v
	}
	env[MessageVariable] = in.Message

	out, err := expr.Run(prog, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression must evaluate to bool (got %T)", out)
	}
	return b, nil
}

// ValuesEqual compares two variable values. Numbers compare numerically regardless of
// their Go representation; strings are never coerced to numbers.
func ValuesEqual(a, b any) bool {
	if ai, ok := toInteger(a); ok {
		if bi, ok := toInteger(b); ok {
			return ai.equal(bi)
		}
	}
	fa, aNum := toFloat(a)
	fb, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

// integer holds any Go integer without loss: unsigned values above MaxInt64 use u
type integer struct {
	s        int64
	u        uint64
	unsigned bool
}

func (x integer) equal(y integer) bool {
	switch {
	case x.unsigned && y.unsigned:
		return x.u == y.u
	case !x.unsigned && !y.unsigned:
		return x.s == y.s
	case x.unsigned:
		return y.s >= 0 && uint64(y.s) == x.u
	default:
		return x.s >= 0 && uint64(x.s) == y.u
	}
}

func toInteger(v any) (integer, bool) {
	switch n := v.(type) {
	case int:
		return integer{s: int64(n)}, true
	case int8:
		return integer{s: int64(n)}, true
	case int16:
		return integer{s: int64(n)}, true
	case int32:
		return integer{s: int64(n)}, true
	case int64:
		return integer{s: n}, true
	case uint:
		return integer{u: uint64(n), unsigned: true}, true
	case uint8:
		return integer{u: uint64(n), unsigned: true}, true
	case uint16:
		return integer{u: uint64(n), unsigned: true}, true
	case uint32:
		return integer{u: uint64(n), unsigned: true}, true
	case uint64:
		return integer{u: n, unsigned: true}, true
	}
	return integer{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
