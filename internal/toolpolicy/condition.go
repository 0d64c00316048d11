package toolpolicy

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/tjfontaine/polyglot-llm-proxy/internal/domain"
)

var regexCache sync.Map // pattern -> *regexp.Regexp, or nil for invalid patterns

// MatchCondition evaluates one condition against decoded tool arguments.
// A condition whose key does not resolve never matches, regardless of
// operator. An invalid regex never matches.
func MatchCondition(args any, c domain.Condition) bool {
	raw, ok := lookupPath(args, c.Key)
	if !ok {
		return false
	}
	actual := stringify(raw)

	switch c.Operator {
	case domain.OperatorEqual:
		return actual == c.Value
	case domain.OperatorNotEqual:
		return actual != c.Value
	case domain.OperatorContains:
		return strings.Contains(actual, c.Value)
	case domain.OperatorNotContains:
		return !strings.Contains(actual, c.Value)
	case domain.OperatorStartsWith:
		return strings.HasPrefix(actual, c.Value)
	case domain.OperatorEndsWith:
		return strings.HasSuffix(actual, c.Value)
	case domain.OperatorRegex:
		re := compile(c.Value)
		return re != nil && re.MatchString(actual)
	default:
		return false
	}
}

// matchAll reports whether every condition holds.
func matchAll(args any, conds []domain.Condition) bool {
	for _, c := range conds {
		if !MatchCondition(args, c) {
			return false
		}
	}
	return true
}

// decodeArgs parses a normalized argument string. Unparseable input yields
// nil, against which every lookup fails.
func decodeArgs(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

// lookupPath walks a dotted path through objects and arrays.
func lookupPath(v any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func compile(pattern string) *regexp.Regexp {
	if cached, ok := regexCache.Load(pattern); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		regexCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil
	}
	regexCache.Store(pattern, re)
	return re
}
