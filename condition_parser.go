package policy

import (
	"regexp"
	"strconv"
	"strings"
)

// Parse turns a condition string into the native Condition AST. The parser
// is intentionally permissive: function calls and single-level AND/OR over
// comparisons are recognized structurally, anything else becomes a
// ScriptCondition so authoring stays forgiving.
//
// Recognized forms, tried in order:
//
//	name(arg, ...)                 -> FunctionCondition
//	<expr> AND <expr>              -> ComplexCondition (first match wins)
//	<expr> OR <expr>
//	field <op> value               -> SimpleCondition
//	anything else                  -> ScriptCondition
func Parse(s string) Condition {
	s = strings.TrimSpace(s)
	if s == "" {
		return &ScriptCondition{Source: ""}
	}

	if fn := parseFunctionCall(s); fn != nil {
		return fn
	}

	if idx := strings.Index(s, " AND "); idx > 0 {
		return &ComplexCondition{
			Op:    LogicAnd,
			Left:  Parse(s[:idx]),
			Right: Parse(s[idx+len(" AND "):]),
		}
	}
	if idx := strings.Index(s, " OR "); idx > 0 {
		return &ComplexCondition{
			Op:    LogicOr,
			Left:  Parse(s[:idx]),
			Right: Parse(s[idx+len(" OR "):]),
		}
	}

	if simple := parseComparison(s); simple != nil {
		return simple
	}

	return &ScriptCondition{Source: s}
}

var functionCallRe = regexp.MustCompile(`^(\w+)\s*\((.*)\)$`)

func parseFunctionCall(s string) Condition {
	// connectives bind looser than a trailing ')'
	if strings.Contains(s, " AND ") || strings.Contains(s, " OR ") {
		return nil
	}
	m := functionCallRe.FindStringSubmatch(s)
	if len(m) != 3 {
		return nil
	}
	args := make([]any, 0)
	for _, part := range splitArgs(m[2]) {
		args = append(args, parseValue(part))
	}
	return &FunctionCondition{Name: m[1], Args: args}
}

// comparisonRe lists multi-char operators before their single-char
// prefixes so ">=" is not read as ">" followed by "=5".
var comparisonRe = regexp.MustCompile(`^([a-zA-Z_]\w*(?:\.\w+)*)\s*(==|!=|>=|<=|>|<|contains|startsWith|endsWith|matches|notIn|in|notExists|exists)\s*(.*)$`)

func parseComparison(s string) Condition {
	m := comparisonRe.FindStringSubmatch(s)
	if len(m) != 4 {
		return nil
	}
	op := Operator(m[2])
	rest := strings.TrimSpace(m[3])
	switch op {
	case OpExists, OpNotExists:
		if rest != "" {
			return nil
		}
		return &SimpleCondition{Field: m[1], Op: op}
	}
	if rest == "" {
		return nil
	}
	return &SimpleCondition{Field: m[1], Op: op, Value: parseValue(rest)}
}

// parseValue interprets a literal: quoted string, number, bool, null or a
// bracketed array. Unquoted bare words stay strings.
func parseValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
		if s[0] == '[' && s[len(s)-1] == ']' {
			items := make([]any, 0)
			for _, part := range splitArgs(s[1 : len(s)-1]) {
				items = append(items, parseValue(part))
			}
			return items
		}
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// splitArgs splits on top-level commas, respecting quotes and brackets.
func splitArgs(s string) []string {
	out := make([]string, 0)
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '[' || c == '(':
			depth++
		case c == ']' || c == ')':
			depth--
		case c == ',' && depth == 0:
			if p := strings.TrimSpace(s[start:i]); p != "" {
				out = append(out, p)
			}
			start = i + 1
		}
	}
	if p := strings.TrimSpace(s[start:]); p != "" {
		out = append(out, p)
	}
	return out
}
