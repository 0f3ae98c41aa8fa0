package risk

import (
	"errors"
	"testing"
)

type stubRule struct {
	name      string
	enabled   bool
	violation *Violation
	err       error
	panics    bool
}

func (r *stubRule) Name() string             { return r.name }
func (r *stubRule) Enabled() bool            { return r.enabled }
func (r *stubRule) ResetPolicy() ResetPolicy { return ResetNever }

func (r *stubRule) Evaluate(_ *Context) (*Violation, error) {
	if r.panics {
		panic("rule implementation bug")
	}
	return r.violation, r.err
}

func TestEngineEvaluate_RequiredActionIsMaxSeverity(t *testing.T) {
	engine := NewEngine([]Rule{
		&stubRule{name: "a", enabled: true, violation: &Violation{Rule: "a", Action: ActionAlert}},
		&stubRule{name: "b", enabled: true, violation: &Violation{Rule: "b", Action: ActionFlattenOnePosition, Instrument: "GC 04-26"}},
		&stubRule{name: "c", enabled: true, violation: &Violation{Rule: "c", Action: ActionLockout}},
	}, nil)

	result := engine.Evaluate(baseContext())
	if len(result.Violations) != 3 {
		t.Fatalf("expected 3 violations, got %d", len(result.Violations))
	}
	if result.RequiredAction != ActionLockout {
		t.Errorf("RequiredAction = %s, want lockout", result.RequiredAction)
	}
	// 单仓违规细节保留在结果里，供日志与单仓处置使用。
	if v := result.ViolationFor(ActionFlattenOnePosition); v == nil || v.Instrument != "GC 04-26" {
		t.Errorf("per-position violation detail lost: %v", v)
	}
}

func TestEngineEvaluate_MonotonicInViolationSet(t *testing.T) {
	rules := []Rule{
		&stubRule{name: "a", enabled: true, violation: &Violation{Rule: "a", Action: ActionBlockOrder}},
	}
	engine := NewEngine(rules, nil)
	before := engine.Evaluate(baseContext()).RequiredAction

	rules = append(rules, &stubRule{name: "b", enabled: true, violation: &Violation{Rule: "b", Action: ActionAlert}})
	engine = NewEngine(rules, nil)
	after := engine.Evaluate(baseContext()).RequiredAction

	// 增加违规绝不降低要求的动作。
	if after < before {
		t.Errorf("adding a violation lowered required action: %s -> %s", before, after)
	}
}

func TestEngineEvaluate_SurvivesRuleErrorAndPanic(t *testing.T) {
	engine := NewEngine([]Rule{
		&stubRule{name: "broken", enabled: true, err: errors.New("boom")},
		&stubRule{name: "panicky", enabled: true, panics: true},
		&stubRule{name: "healthy", enabled: true, violation: &Violation{Rule: "healthy", Action: ActionAlert}},
	}, nil)

	result := engine.Evaluate(baseContext())
	if len(result.Violations) != 1 || result.Violations[0].Rule != "healthy" {
		t.Fatalf("expected only the healthy rule to contribute, got %+v", result.Violations)
	}
	if result.RequiredAction != ActionAlert {
		t.Errorf("RequiredAction = %s, want alert", result.RequiredAction)
	}
}

func TestEngineEvaluate_SkipsDisabledRules(t *testing.T) {
	engine := NewEngine([]Rule{
		&stubRule{name: "off", enabled: false, violation: &Violation{Rule: "off", Action: ActionLockout}},
	}, nil)

	result := engine.Evaluate(baseContext())
	if result.Violated() {
		t.Errorf("disabled rule must not contribute violations: %+v", result.Violations)
	}
	if result.RequiredAction != ActionNone {
		t.Errorf("RequiredAction = %s, want none", result.RequiredAction)
	}
}

func TestEngineEvaluate_NilContext(t *testing.T) {
	engine := NewEngine([]Rule{
		&stubRule{name: "a", enabled: true, violation: &Violation{Rule: "a", Action: ActionAlert}},
	}, nil)

	result := engine.Evaluate(nil)
	if result.Violated() || result.RequiredAction != ActionNone {
		t.Errorf("nil context should evaluate to empty result, got %+v", result)
	}
}
