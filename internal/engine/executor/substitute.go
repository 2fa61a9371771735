package executor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// placeholderRe matches `{{ expression }}` templates in step params,
// e.g. "{{variables.user_name}}" or "{{result[0].result}}".
var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// substituteValue walks v (typically a decoded step Params map) and
// resolves every placeholder it finds against env. A string that is
// entirely one placeholder resolves to the referenced value's native
// type; a string with embedded placeholders resolves to their
// string-concatenated form.
func substituteValue(v interface{}, env map[string]interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		return substituteString(val, env)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, vv := range val {
			sv, err := substituteValue(vv, env)
			if err != nil {
				return nil, err
			}
			out[k] = sv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, vv := range val {
			sv, err := substituteValue(vv, env)
			if err != nil {
				return nil, err
			}
			out[i] = sv
		}
		return out, nil
	default:
		return v, nil
	}
}

func substituteString(s string, env map[string]interface{}) (interface{}, error) {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return evalPlaceholder(s[matches[0][2]:matches[0][3]], env)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		val, err := evalPlaceholder(s[m[2]:m[3]], env)
		if err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprint(val))
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}

func evalPlaceholder(expression string, env map[string]interface{}) (interface{}, error) {
	program, err := expr.Compile(expression)
	if err != nil {
		return nil, fmt.Errorf("executor: compile placeholder %q: %w", expression, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("executor: resolve placeholder %q: %w", expression, err)
	}
	return out, nil
}
