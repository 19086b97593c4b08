package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/dop251/goja"
	"github.com/tidwall/gjson"

	"github.com/haven-app/usage_layer/internal/app/domain/aggregate"
	"github.com/haven-app/usage_layer/internal/app/domain/insight"
)

// scriptTimeout bounds a user script when the context carries no deadline.
const scriptTimeout = time.Second

// evalRule applies one custom rule to the day record. ok is false when the
// rule does not fire.
func evalRule(ctx context.Context, rule insight.Rule, day aggregate.Daily) (insight.Suggestion, bool, error) {
	switch rule.Kind {
	case insight.KindThreshold:
		return evalThreshold(rule, day)
	case insight.KindScript:
		return evalScript(ctx, rule, day)
	default:
		return insight.Suggestion{}, false, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

// evalThreshold selects a numeric value from the serialized day record and
// compares it against the rule's threshold. The selector is a gjson path,
// or a JSONPath expression when it begins with "$".
func evalThreshold(rule insight.Rule, day aggregate.Daily) (insight.Suggestion, bool, error) {
	raw, err := json.Marshal(day)
	if err != nil {
		return insight.Suggestion{}, false, err
	}

	var value float64
	if strings.HasPrefix(rule.Selector, "$") {
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return insight.Suggestion{}, false, err
		}
		got, err := jsonpath.Get(rule.Selector, doc)
		if err != nil {
			return insight.Suggestion{}, false, fmt.Errorf("selector %q: %w", rule.Selector, err)
		}
		num, ok := got.(float64)
		if !ok {
			return insight.Suggestion{}, false, fmt.Errorf("selector %q yields non-numeric value", rule.Selector)
		}
		value = num
	} else {
		result := gjson.GetBytes(raw, rule.Selector)
		if !result.Exists() {
			return insight.Suggestion{}, false, nil
		}
		value = result.Float()
	}

	fired := false
	switch rule.Operator {
	case insight.OpGreater:
		fired = value > rule.Threshold
	case insight.OpGreaterEqual:
		fired = value >= rule.Threshold
	case insight.OpLess:
		fired = value < rule.Threshold
	case insight.OpLessEqual:
		fired = value <= rule.Threshold
	default:
		return insight.Suggestion{}, false, fmt.Errorf("unknown operator %q", rule.Operator)
	}
	if !fired {
		return insight.Suggestion{}, false, nil
	}

	message := rule.Message
	if message == "" {
		message = fmt.Sprintf("%s: %s %s %g", rule.Name, rule.Selector, rule.Operator, rule.Threshold)
	}
	return insight.Suggestion{Code: "rule:" + rule.ID, Message: message}, true, nil
}

// evalScript runs the rule's JavaScript against the day record, exposed as
// the global `day`. A non-empty string result becomes the suggestion; an
// empty string or undefined means the rule did not fire.
func evalScript(ctx context.Context, rule insight.Rule, day aggregate.Daily) (insight.Suggestion, bool, error) {
	raw, err := json.Marshal(day)
	if err != nil {
		return insight.Suggestion{}, false, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return insight.Suggestion{}, false, err
	}

	vm := goja.New()
	if err := vm.Set("day", doc); err != nil {
		return insight.Suggestion{}, false, fmt.Errorf("set day: %w", err)
	}

	timeout := scriptTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	result, err := vm.RunString(rule.Source)
	if err != nil {
		return insight.Suggestion{}, false, fmt.Errorf("script error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return insight.Suggestion{}, false, nil
	}
	message := result.String()
	if message == "" {
		return insight.Suggestion{}, false, nil
	}
	return insight.Suggestion{Code: "rule:" + rule.ID, Message: message}, true, nil
}
