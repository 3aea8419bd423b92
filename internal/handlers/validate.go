package handlers

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/promptgw/modelserver/internal/jsonrepair"
	"github.com/promptgw/modelserver/pkg/models"
)

// ValueKind classifies a decoded JSON argument value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// kindOf maps a value decoded by encoding/json to its kind. JSON numbers
// arrive as float64; integral ones count as Int.
func kindOf(v any) ValueKind {
	switch value := v.(type) {
	case nil:
		return KindNull
	case bool:
		return KindBool
	case float64:
		if value == math.Trunc(value) && !math.IsInf(value, 0) {
			return KindInt
		}
		return KindFloat
	case string:
		return KindString
	case []any:
		return KindList
	case map[string]any:
		return KindMap
	default:
		return KindNull
	}
}

// compatible reports whether a value satisfies one of the declared
// parameter types {int, float, bool, str, list, tuple, set, dict}. A couple
// of model quirks are tolerated: integers where floats are declared, string
// renderings of collections, and stringification of scalars. Types outside
// the closed set are not checked.
func compatible(declared string, value any) bool {
	kind := kindOf(value)

	switch declared {
	case "int":
		return kind == KindInt
	case "float":
		return kind == KindFloat || kind == KindInt
	case "bool":
		return kind == KindBool
	case "str":
		// Any scalar or collection stringifies cleanly.
		return true
	case "list", "tuple", "set":
		if kind == KindList {
			return true
		}
		if kind == KindString {
			var decoded []any
			return json.Unmarshal([]byte(jsonrepair.Repair(value.(string))), &decoded) == nil
		}
		return false
	case "dict":
		return kind == KindMap
	default:
		return true
	}
}

// validateToolCalls verifies every extracted call against the declared
// tools: the function must exist, all required parameters must be present,
// argument names must be declared, and argument values must match the
// declared types. The first offense is returned as the error.
func validateToolCalls(tools []models.Tool, calls []models.ToolCall) error {
	functions := make(map[string]models.ToolParameters, len(tools))
	for _, tool := range tools {
		if tool.Type == "function" {
			functions[tool.Function.Name] = tool.Function.Parameters
		}
	}

	for _, call := range calls {
		name := call.Function.Name
		args := call.Function.Arguments

		params, ok := functions[name]
		if !ok {
			return fmt.Errorf("%s is not defined!", name)
		}

		for _, required := range params.Required {
			if _, ok := args[required]; !ok {
				return fmt.Errorf("`%s` is required by the function `%s` but not found in the tool call!", required, name)
			}
		}

		for argName, argValue := range args {
			property, ok := params.Properties[argName]
			if !ok {
				return fmt.Errorf("`%s` is not a declared parameter of the function `%s`!", argName, name)
			}
			if !compatible(property.Type, argValue) {
				return fmt.Errorf("parameter `%s` is expected to have the data type `%s`", argName, property.Type)
			}
		}
	}

	return nil
}
