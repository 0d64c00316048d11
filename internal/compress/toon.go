// Package compress shrinks JSON tool results into TOON (token-oriented
// object notation) before they are re-sent to a model.
package compress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Encode renders a decoded JSON value as TOON.
//
// Objects become indented "key: value" lines. Arrays of primitives are
// written inline as "key[N]: a,b,c". Arrays of flat objects that share the
// same keys become a table: a "key[N]{f1,f2}:" header followed by one
// comma-separated row per element. Any other array lists its items as
// "- item" lines.
func Encode(v any) string {
	var b strings.Builder
	switch val := v.(type) {
	case map[string]any:
		writeObject(&b, val, 0)
	case []any:
		writeArray(&b, "", val, 0)
	default:
		b.WriteString(formatPrimitive(val))
	}
	return strings.TrimRight(b.String(), "\n")
}

// EncodeJSON decodes raw JSON and encodes it as TOON. It returns false when
// raw is not a JSON object or array.
func EncodeJSON(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return "", false
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", false
	}
	return Encode(v), true
}

func writeObject(b *strings.Builder, obj map[string]any, depth int) {
	for _, key := range sortedKeys(obj) {
		writeField(b, key, obj[key], depth)
	}
}

func writeField(b *strings.Builder, key string, v any, depth int) {
	indent := strings.Repeat("  ", depth)
	switch val := v.(type) {
	case map[string]any:
		if len(val) == 0 {
			fmt.Fprintf(b, "%s%s: {}\n", indent, formatKey(key))
			return
		}
		fmt.Fprintf(b, "%s%s:\n", indent, formatKey(key))
		writeObject(b, val, depth+1)
	case []any:
		writeArray(b, key, val, depth)
	default:
		fmt.Fprintf(b, "%s%s: %s\n", indent, formatKey(key), formatPrimitive(val))
	}
}

func writeArray(b *strings.Builder, key string, arr []any, depth int) {
	indent := strings.Repeat("  ", depth)
	label := fmt.Sprintf("%s[%d]", formatKey(key), len(arr))

	if allPrimitive(arr) {
		items := make([]string, len(arr))
		for i, item := range arr {
			items[i] = formatPrimitive(item)
		}
		fmt.Fprintf(b, "%s%s: %s\n", indent, label, strings.Join(items, ","))
		return
	}

	if fields, ok := tabularFields(arr); ok {
		fmt.Fprintf(b, "%s%s{%s}:\n", indent, label, strings.Join(fields, ","))
		rowIndent := strings.Repeat("  ", depth+1)
		for _, item := range arr {
			obj := item.(map[string]any)
			cells := make([]string, len(fields))
			for i, f := range fields {
				cells[i] = formatPrimitive(obj[f])
			}
			fmt.Fprintf(b, "%s%s\n", rowIndent, strings.Join(cells, ","))
		}
		return
	}

	fmt.Fprintf(b, "%s%s:\n", indent, label)
	itemIndent := strings.Repeat("  ", depth+1)
	for _, item := range arr {
		switch val := item.(type) {
		case map[string]any:
			fmt.Fprintf(b, "%s-\n", itemIndent)
			writeObject(b, val, depth+2)
		case []any:
			fmt.Fprintf(b, "%s-\n", itemIndent)
			writeArray(b, "", val, depth+2)
		default:
			fmt.Fprintf(b, "%s- %s\n", itemIndent, formatPrimitive(val))
		}
	}
}

// tabularFields returns the shared key set when every element is a
// non-empty object of primitives with identical keys.
func tabularFields(arr []any) ([]string, bool) {
	if len(arr) == 0 {
		return nil, false
	}
	first, ok := arr[0].(map[string]any)
	if !ok || len(first) == 0 {
		return nil, false
	}
	fields := sortedKeys(first)
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok || len(obj) != len(fields) {
			return nil, false
		}
		for _, f := range fields {
			v, present := obj[f]
			if !present || !isPrimitive(v) {
				return nil, false
			}
		}
	}
	return fields, true
}

func allPrimitive(arr []any) bool {
	for _, item := range arr {
		if !isPrimitive(item) {
			return false
		}
	}
	return true
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return false
	default:
		return true
	}
}

func sortedKeys(obj map[string]any) []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatKey(key string) string {
	if key == "" || needsQuoting(key) {
		if key == "" {
			return ""
		}
		return strconv.Quote(key)
	}
	return key
}

func formatPrimitive(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(val)
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case string:
		if needsQuoting(val) {
			return strconv.Quote(val)
		}
		return val
	default:
		return fmt.Sprint(val)
	}
}

// needsQuoting reports whether a string would be ambiguous unquoted.
func needsQuoting(s string) bool {
	if s == "" || s != strings.TrimSpace(s) {
		return true
	}
	switch s {
	case "true", "false", "null":
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return strings.ContainsAny(s, ",:\"\n\r\t[]{}") || strings.HasPrefix(s, "- ")
}
