package tool

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	xerrors "tiny-agent/internal/errors"
)

// SchemaFor 根据结构体的 json / jsonschema 标签生成入参 Schema。
//
//	type shellArgs struct {
//	    Command string `json:"command" jsonschema:"required,description=Command line to run"`
//	    Timeout int    `json:"timeout,omitempty" jsonschema:"default=30"`
//	}
func SchemaFor[T any]() map[string]any {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
		AllowAdditionalProperties:  true,
	}
	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("marshal schema for %T: %v", *new(T), err))
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("unmarshal schema for %T: %v", *new(T), err))
	}
	delete(out, "$schema")
	delete(out, "$id")
	return out
}

// DecodeArgs 将调用参数解码为结构体，允许字符串与数字之间的宽松转换。
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &out,
	})
	if err != nil {
		return out, xerrors.Wrap(xerrors.CodeToolInvalidArgs, err, "构建参数解码器失败")
	}
	if err := decoder.Decode(args); err != nil {
		return out, xerrors.Wrap(xerrors.CodeToolInvalidArgs, err, "参数解码失败")
	}
	return out, nil
}

// ValidateArgs 检查必填字段与基础类型。未在 Schema 中声明的字段会被放行。
func ValidateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	var missing []string
	for _, name := range requiredFields(schema) {
		value, ok := args[name]
		if !ok || value == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return xerrors.New(xerrors.CodeToolInvalidArgs, "缺少必填参数: "+strings.Join(missing, ", "))
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		prop, ok := properties[name].(map[string]any)
		if !ok || value == nil {
			continue
		}
		expected, _ := prop["type"].(string)
		if expected == "" || matchesType(expected, value) {
			continue
		}
		return xerrors.New(xerrors.CodeToolInvalidArgs,
			fmt.Sprintf("参数 %s 类型错误: 期望 %s, 实际 %T", name, expected, value))
	}
	return nil
}

func requiredFields(schema map[string]any) []string {
	switch required := schema["required"].(type) {
	case []string:
		return required
	case []any:
		names := make([]string, 0, len(required))
		for _, item := range required {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
		return names
	default:
		return nil
	}
}

func matchesType(expected string, value any) bool {
	rv := reflect.ValueOf(value)
	switch expected {
	case "string":
		return rv.Kind() == reflect.String
	case "boolean":
		return rv.Kind() == reflect.Bool
	case "integer":
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return true
		case reflect.Float32, reflect.Float64:
			return rv.Float() == float64(int64(rv.Float()))
		}
		if n, ok := value.(json.Number); ok {
			_, err := n.Int64()
			return err == nil
		}
		return false
	case "number":
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
			reflect.Float32, reflect.Float64:
			return true
		}
		_, ok := value.(json.Number)
		return ok
	case "object":
		return rv.Kind() == reflect.Map || rv.Kind() == reflect.Struct
	case "array":
		return rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array
	default:
		return true
	}
}
