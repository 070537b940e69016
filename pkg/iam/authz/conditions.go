package authz

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EvalContext is the ambient state conditions evaluate against.
type EvalContext struct {
	Now        time.Time
	IP         string
	Attributes map[string]any
}

// CustomEvaluator decides a registered custom condition.
type CustomEvaluator func(params map[string]any, evalCtx EvalContext) (bool, error)

// ConditionEvaluator evaluates the conjunctive condition grammar attached to
// grants and policies. Zero value is usable; Register adds custom predicates.
type ConditionEvaluator struct {
	custom map[string]CustomEvaluator
}

func NewConditionEvaluator() *ConditionEvaluator {
	return &ConditionEvaluator{custom: make(map[string]CustomEvaluator)}
}

// Register installs a named custom evaluator, resolved by `custom`
// conditions. Not safe for concurrent use with Evaluate; register at wiring
// time.
func (e *ConditionEvaluator) Register(name string, fn CustomEvaluator) {
	e.custom[name] = fn
}

// Evaluate returns true only when every named condition passes. Unknown
// condition types are unsupported, which the engine treats as a failing
// condition.
func (e *ConditionEvaluator) Evaluate(conditions map[string]any, evalCtx EvalContext) (bool, error) {
	for name, raw := range conditions {
		params, _ := raw.(map[string]any)
		var (
			ok  bool
			err error
		)
		switch name {
		case "timeRange":
			ok, err = evalTimeRange(params, evalCtx.Now)
		case "dayOfWeek":
			ok, err = evalDayOfWeek(params, evalCtx.Now)
		case "dateRange":
			ok, err = evalDateRange(params, evalCtx.Now)
		case "ipWhitelist":
			ok, err = evalIPList(params, evalCtx.IP, true)
		case "ipBlacklist":
			ok, err = evalIPList(params, evalCtx.IP, false)
		case "attributes":
			ok, err = evalAttributes(params, evalCtx.Attributes)
		case "custom":
			ok, err = e.evalCustom(params, evalCtx)
		default:
			return false, ErrUnsupportedCondition(name)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *ConditionEvaluator) evalCustom(params map[string]any, evalCtx EvalContext) (bool, error) {
	name, _ := params["name"].(string)
	if name == "" || name == "script" {
		return false, ErrUnsupportedCondition("custom:" + name)
	}
	fn, ok := e.custom[name]
	if !ok {
		return false, ErrUnsupportedCondition("custom:" + name)
	}
	fnParams, _ := params["params"].(map[string]any)
	return fn(fnParams, evalCtx)
}

// ---------------------------------------------------------------------------
// Time conditions
// ---------------------------------------------------------------------------

func evalTimeRange(params map[string]any, now time.Time) (bool, error) {
	start, err := parseClock(params, "start")
	if err != nil {
		return false, err
	}
	end, err := parseClock(params, "end")
	if err != nil {
		return false, err
	}

	loc := time.UTC
	if tz, _ := params["timezone"].(string); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return false, ErrUnsupportedCondition("timeRange").WithDetail("timezone", tz)
		}
	}

	local := now.In(loc)
	minutes := local.Hour()*60 + local.Minute()

	// start > end means the window wraps midnight (e.g. 22:00-06:00).
	if start <= end {
		return minutes >= start && minutes < end, nil
	}
	return minutes >= start || minutes < end, nil
}

func parseClock(params map[string]any, key string) (int, error) {
	s, _ := params[key].(string)
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, ErrUnsupportedCondition("timeRange").WithDetail(key, s)
	}
	hour, err1 := strconv.Atoi(h)
	minute, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, ErrUnsupportedCondition("timeRange").WithDetail(key, s)
	}
	return hour*60 + minute, nil
}

func evalDayOfWeek(params map[string]any, now time.Time) (bool, error) {
	days := toStringSlice(params["days"])
	if len(days) == 0 {
		return false, ErrUnsupportedCondition("dayOfWeek")
	}
	today := strings.ToLower(now.UTC().Weekday().String())
	for _, d := range days {
		if strings.ToLower(d) == today {
			return true, nil
		}
	}
	return false, nil
}

func evalDateRange(params map[string]any, now time.Time) (bool, error) {
	if s, _ := params["start"].(string); s != "" {
		start, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return false, ErrUnsupportedCondition("dateRange").WithDetail("start", s)
		}
		if now.Before(start) {
			return false, nil
		}
	}
	if s, _ := params["end"].(string); s != "" {
		end, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return false, ErrUnsupportedCondition("dateRange").WithDetail("end", s)
		}
		if now.After(end) {
			return false, nil
		}
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// IP conditions
// ---------------------------------------------------------------------------

func evalIPList(params map[string]any, ip string, whitelist bool) (bool, error) {
	cidrs := toStringSlice(params["cidrs"])
	parsed := net.ParseIP(ip)
	if parsed == nil {
		// No usable source IP: whitelists fail closed, blacklists pass.
		return !whitelist, nil
	}

	for _, cidr := range cidrs {
		if !strings.Contains(cidr, "/") {
			if single := net.ParseIP(cidr); single != nil && single.Equal(parsed) {
				return whitelist, nil
			}
			continue
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return false, ErrUnsupportedCondition("ipList").WithDetail("cidr", cidr)
		}
		if network.Contains(parsed) {
			return whitelist, nil
		}
	}
	return !whitelist, nil
}

// ---------------------------------------------------------------------------
// Attribute conditions
// ---------------------------------------------------------------------------

// evalAttributes checks dot-notation paths into the request context against
// either a literal (equality) or an {op: operand} object.
func evalAttributes(params map[string]any, attrs map[string]any) (bool, error) {
	for path, expected := range params {
		actual, found := lookupPath(attrs, path)

		if opMap, ok := expected.(map[string]any); ok {
			for op, operand := range opMap {
				ok, err := applyOp(op, actual, found, operand)
				if err != nil {
					return false, err
				}
				if !ok {
					return false, nil
				}
			}
			continue
		}

		if !found || !looseEqual(actual, expected) {
			return false, nil
		}
	}
	return true, nil
}

func lookupPath(attrs map[string]any, path string) (any, bool) {
	current := any(attrs)
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func applyOp(op string, actual any, found bool, operand any) (bool, error) {
	switch op {
	case "eq":
		return found && looseEqual(actual, operand), nil
	case "ne":
		return !found || !looseEqual(actual, operand), nil
	case "in":
		for _, candidate := range toAnySlice(operand) {
			if found && looseEqual(actual, candidate) {
				return true, nil
			}
		}
		return false, nil
	case "notIn":
		for _, candidate := range toAnySlice(operand) {
			if found && looseEqual(actual, candidate) {
				return false, nil
			}
		}
		return true, nil
	case "gt", "gte", "lt", "lte":
		if !found {
			return false, nil
		}
		a, okA := toFloat(actual)
		b, okB := toFloat(operand)
		if !okA || !okB {
			return false, nil
		}
		switch op {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	case "contains":
		return found && strings.Contains(toString(actual), toString(operand)), nil
	case "startsWith":
		return found && strings.HasPrefix(toString(actual), toString(operand)), nil
	case "endsWith":
		return found && strings.HasSuffix(toString(actual), toString(operand)), nil
	case "matches":
		if !found {
			return false, nil
		}
		re, err := regexp.Compile(toString(operand))
		if err != nil {
			return false, ErrUnsupportedCondition("attributes").WithDetail("pattern", toString(operand))
		}
		return re.MatchString(toString(actual)), nil
	case "between":
		bounds := toAnySlice(operand)
		if !found || len(bounds) != 2 {
			return false, nil
		}
		a, okA := toFloat(actual)
		lo, okLo := toFloat(bounds[0])
		hi, okHi := toFloat(bounds[1])
		return okA && okLo && okHi && a >= lo && a <= hi, nil
	default:
		return false, ErrUnsupportedCondition("attributes:" + op)
	}
}

// ---------------------------------------------------------------------------
// Coercion helpers (request contexts arrive as decoded JSON)
// ---------------------------------------------------------------------------

func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			out = append(out, toString(item))
		}
		return out
	default:
		return nil
	}
}

func toAnySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, item := range s {
			out[i] = item
		}
		return out
	default:
		return nil
	}
}
