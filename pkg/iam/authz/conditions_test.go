package authz_test

import (
	"testing"
	"time"

	"github.com/truxeio/truxe/pkg/errx"
	"github.com/truxeio/truxe/pkg/iam/authz"
)

func evalAt(t *testing.T, conditions map[string]any, evalCtx authz.EvalContext) bool {
	t.Helper()
	ok, err := authz.NewConditionEvaluator().Evaluate(conditions, evalCtx)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return ok
}

func TestTimeRangeCondition(t *testing.T) {
	businessHours := map[string]any{
		"timeRange": map[string]any{"start": "09:00", "end": "17:00"},
	}

	morning := authz.EvalContext{Now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	evening := authz.EvalContext{Now: time.Date(2025, 6, 2, 20, 0, 0, 0, time.UTC)}

	if !evalAt(t, businessHours, morning) {
		t.Error("10:00 should fall inside 09:00-17:00")
	}
	if evalAt(t, businessHours, evening) {
		t.Error("20:00 should fall outside 09:00-17:00")
	}
}

func TestTimeRangeWrapsMidnight(t *testing.T) {
	nightShift := map[string]any{
		"timeRange": map[string]any{"start": "22:00", "end": "06:00"},
	}

	lateNight := authz.EvalContext{Now: time.Date(2025, 6, 2, 23, 30, 0, 0, time.UTC)}
	earlyMorning := authz.EvalContext{Now: time.Date(2025, 6, 2, 5, 0, 0, 0, time.UTC)}
	noon := authz.EvalContext{Now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}

	if !evalAt(t, nightShift, lateNight) {
		t.Error("23:30 should fall inside the wrapped window")
	}
	if !evalAt(t, nightShift, earlyMorning) {
		t.Error("05:00 should fall inside the wrapped window")
	}
	if evalAt(t, nightShift, noon) {
		t.Error("12:00 should fall outside the wrapped window")
	}
}

func TestTimeRangeTimezone(t *testing.T) {
	conditions := map[string]any{
		"timeRange": map[string]any{"start": "09:00", "end": "17:00", "timezone": "America/New_York"},
	}

	// 14:00 UTC is 10:00 in New York (EDT).
	evalCtx := authz.EvalContext{Now: time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)}
	if !evalAt(t, conditions, evalCtx) {
		t.Error("14:00 UTC should be business hours in New York")
	}
}

func TestDayOfWeekCondition(t *testing.T) {
	weekdays := map[string]any{
		"dayOfWeek": map[string]any{"days": []any{"monday", "tuesday", "wednesday", "thursday", "friday"}},
	}

	monday := authz.EvalContext{Now: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)}
	sunday := authz.EvalContext{Now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}

	if !evalAt(t, weekdays, monday) {
		t.Error("monday should pass a weekday condition")
	}
	if evalAt(t, weekdays, sunday) {
		t.Error("sunday should fail a weekday condition")
	}
}

func TestDateRangeCondition(t *testing.T) {
	window := map[string]any{
		"dateRange": map[string]any{"start": "2025-06-01T00:00:00Z", "end": "2025-06-30T23:59:59Z"},
	}

	inside := authz.EvalContext{Now: time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)}
	after := authz.EvalContext{Now: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)}

	if !evalAt(t, window, inside) {
		t.Error("date inside the range should pass")
	}
	if evalAt(t, window, after) {
		t.Error("date past the range should fail")
	}
}

func TestIPConditions(t *testing.T) {
	whitelist := map[string]any{
		"ipWhitelist": map[string]any{"cidrs": []any{"10.0.0.0/8", "192.168.1.42"}},
	}
	blacklist := map[string]any{
		"ipBlacklist": map[string]any{"cidrs": []any{"203.0.113.0/24"}},
	}

	if !evalAt(t, whitelist, authz.EvalContext{IP: "10.1.2.3"}) {
		t.Error("10.1.2.3 should match the whitelist CIDR")
	}
	if !evalAt(t, whitelist, authz.EvalContext{IP: "192.168.1.42"}) {
		t.Error("exact IP entries should match")
	}
	if evalAt(t, whitelist, authz.EvalContext{IP: "8.8.8.8"}) {
		t.Error("8.8.8.8 should fail the whitelist")
	}
	if evalAt(t, whitelist, authz.EvalContext{}) {
		t.Error("a whitelist without a source IP must fail closed")
	}

	if evalAt(t, blacklist, authz.EvalContext{IP: "203.0.113.7"}) {
		t.Error("blacklisted IP should fail")
	}
	if !evalAt(t, blacklist, authz.EvalContext{IP: "8.8.8.8"}) {
		t.Error("non-blacklisted IP should pass")
	}
	if !evalAt(t, blacklist, authz.EvalContext{}) {
		t.Error("a blacklist without a source IP should pass")
	}
}

func TestAttributeOperators(t *testing.T) {
	attrs := map[string]any{
		"department": "engineering",
		"level":      float64(7),
		"email":      "dev@example.com",
		"org": map[string]any{
			"region": "eu-west",
		},
	}

	cases := []struct {
		name      string
		condition map[string]any
		want      bool
	}{
		{"literal equality", map[string]any{"department": "engineering"}, true},
		{"literal mismatch", map[string]any{"department": "sales"}, false},
		{"dot path", map[string]any{"org.region": "eu-west"}, true},
		{"missing path", map[string]any{"org.country": "de"}, false},
		{"eq", map[string]any{"level": map[string]any{"eq": float64(7)}}, true},
		{"ne", map[string]any{"department": map[string]any{"ne": "sales"}}, true},
		{"in", map[string]any{"department": map[string]any{"in": []any{"sales", "engineering"}}}, true},
		{"notIn", map[string]any{"department": map[string]any{"notIn": []any{"sales"}}}, true},
		{"notIn hit", map[string]any{"department": map[string]any{"notIn": []any{"engineering"}}}, false},
		{"gt", map[string]any{"level": map[string]any{"gt": float64(5)}}, true},
		{"gte", map[string]any{"level": map[string]any{"gte": float64(7)}}, true},
		{"lt", map[string]any{"level": map[string]any{"lt": float64(10)}}, true},
		{"lte fail", map[string]any{"level": map[string]any{"lte": float64(6)}}, false},
		{"contains", map[string]any{"email": map[string]any{"contains": "@example"}}, true},
		{"startsWith", map[string]any{"email": map[string]any{"startsWith": "dev@"}}, true},
		{"endsWith", map[string]any{"email": map[string]any{"endsWith": ".com"}}, true},
		{"matches", map[string]any{"email": map[string]any{"matches": `^[a-z]+@example\.com$`}}, true},
		{"between", map[string]any{"level": map[string]any{"between": []any{float64(5), float64(10)}}}, true},
		{"between fail", map[string]any{"level": map[string]any{"between": []any{float64(8), float64(10)}}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := evalAt(t, map[string]any{"attributes": tc.condition}, authz.EvalContext{Attributes: attrs})
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConditionsAreConjunctive(t *testing.T) {
	conditions := map[string]any{
		"dayOfWeek":  map[string]any{"days": []any{"monday"}},
		"attributes": map[string]any{"department": "engineering"},
	}

	monday := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	pass := authz.EvalContext{Now: monday, Attributes: map[string]any{"department": "engineering"}}
	fail := authz.EvalContext{Now: monday, Attributes: map[string]any{"department": "sales"}}

	if !evalAt(t, conditions, pass) {
		t.Error("all conditions pass, result should be true")
	}
	if evalAt(t, conditions, fail) {
		t.Error("one failing condition must fail the conjunction")
	}
}

func TestCustomConditions(t *testing.T) {
	evaluator := authz.NewConditionEvaluator()
	evaluator.Register("isOwner", func(params map[string]any, evalCtx authz.EvalContext) (bool, error) {
		owner, _ := evalCtx.Attributes["owner"].(string)
		expected, _ := params["user"].(string)
		return owner == expected, nil
	})

	registered := map[string]any{
		"custom": map[string]any{"name": "isOwner", "params": map[string]any{"user": "alice"}},
	}
	ok, err := evaluator.Evaluate(registered, authz.EvalContext{Attributes: map[string]any{"owner": "alice"}})
	if err != nil || !ok {
		t.Fatalf("registered custom condition: ok=%v err=%v", ok, err)
	}

	// Unregistered and script conditions are unsupported, never silently true.
	for _, name := range []string{"unknownPredicate", "script"} {
		bad := map[string]any{"custom": map[string]any{"name": name}}
		ok, err := evaluator.Evaluate(bad, authz.EvalContext{})
		if ok {
			t.Errorf("%s: unsupported condition must not pass", name)
		}
		if !errx.IsCode(err, authz.CodeUnsupportedCondition) {
			t.Errorf("%s: expected UNSUPPORTED_CONDITION, got %v", name, err)
		}
	}
}

func TestUnknownConditionTypeIsUnsupported(t *testing.T) {
	ok, err := authz.NewConditionEvaluator().Evaluate(
		map[string]any{"geoFence": map[string]any{}}, authz.EvalContext{})
	if ok {
		t.Error("unknown condition type must not pass")
	}
	if !errx.IsCode(err, authz.CodeUnsupportedCondition) {
		t.Errorf("expected UNSUPPORTED_CONDITION, got %v", err)
	}
}
