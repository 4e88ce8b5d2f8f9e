// Package cel compiles and evaluates the optional CEL guard conditions
// attached to action descriptors. It adapts policy.ConditionEvaluator over
// a small, action-scoped environment rather than the broad multi-protocol
// one a tool gateway would need.
package cel

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"
)

// NewConditionEnvironment builds the CEL environment descriptor Conditions
// are compiled against: the action name, its params, the request id, and
// the request time, plus helpers for reaching into params.
func NewConditionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),

		cel.Variable("action", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("request_id", cel.StringType),
		cel.Variable("request_time", cel.TimestampType),

		// param: extract a value by key, or null if absent.
		// Usage: param(params, "dry_run")
		cel.Function("param",
			cel.Overload("param_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(func(mapVal, keyVal ref.Val) ref.Val {
					key := keyVal.Value().(string)
					if m, ok := mapVal.Value().(map[string]any); ok {
						if v, found := m[key]; found {
							return types.DefaultTypeAdapter.NativeToValue(v)
						}
					}
					return types.NullValue
				}),
			),
		),

		// param_contains: true if any string-valued param contains substr.
		// Usage: param_contains(params, "rm -rf")
		cel.Function("param_contains",
			cel.Overload("param_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr := substrVal.Value().(string)
					m, ok := mapVal.Value().(map[string]any)
					if !ok {
						return types.Bool(false)
					}
					for _, v := range m {
						if s, ok := v.(string); ok && strings.Contains(s, substr) {
							return types.Bool(true)
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// BuildActivation constructs the CEL activation map for one condition
// evaluation.
func BuildActivation(action string, params map[string]interface{}, requestID string, requestTime interface{}) map[string]any {
	if params == nil {
		params = map[string]interface{}{}
	}
	return map[string]any{
		"action":       action,
		"params":       params,
		"request_id":   requestID,
		"request_time": requestTime,
	}
}
