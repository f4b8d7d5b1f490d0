package tools

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

var contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
var errorType = reflect.TypeOf((*error)(nil)).Elem()

// ToolDefinition is a locally implemented tool.
type ToolDefinition struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
	Function    ToolFunc           `json:"-"`

	// compiled from Parameters on registration
	schemaJSON json.RawMessage
	validator  *gojsonschema.Schema
}

// ToolFunc wraps a Go function taking an optional context.Context and an
// optional JSON-decodable input struct, returning (result) or (result, error).
type ToolFunc struct {
	Fn        interface{}
	fnValue   reflect.Value
	hasCtx    bool
	inputType reflect.Type
}

// NewToolFromFunc creates a ToolDefinition from a Go function. The parameter
// schema is reflected from the input type.
func NewToolFromFunc(name, description string, fn interface{}) (*ToolDefinition, error) {
	funcType := reflect.TypeOf(fn)
	if funcType == nil || funcType.Kind() != reflect.Func {
		return nil, errors.New("provided value is not a function")
	}

	if funcType.NumOut() == 0 || funcType.NumOut() > 2 {
		return nil, errors.New("function must return (result) or (result, error)")
	}
	if funcType.NumOut() == 2 && !funcType.Out(1).Implements(errorType) {
		return nil, errors.New("second return value must be an error")
	}

	tf := ToolFunc{Fn: fn, fnValue: reflect.ValueOf(fn)}
	switch funcType.NumIn() {
	case 0:
	case 1:
		if funcType.In(0) == contextType {
			tf.hasCtx = true
		} else {
			tf.inputType = funcType.In(0)
		}
	case 2:
		if funcType.In(0) != contextType {
			return nil, errors.New("two-arg tool function must be (context.Context, Input)")
		}
		tf.hasCtx = true
		tf.inputType = funcType.In(1)
	default:
		return nil, errors.New("function must take at most (context.Context, Input)")
	}

	return &ToolDefinition{
		Name:        name,
		Description: description,
		Parameters:  reflectSchema(tf.inputType),
		Function:    tf,
	}, nil
}

func reflectSchema(inputType reflect.Type) *jsonschema.Schema {
	if inputType == nil {
		return &jsonschema.Schema{Type: "object"}
	}
	reflector := jsonschema.Reflector{
		// Expand definitions inline instead of using $refs
		DoNotReference: true,
	}
	schema := reflector.Reflect(reflect.New(inputType).Elem().Interface())
	if schema.Type == "" && schema.Ref == "" {
		schema.Type = "object"
	}
	return schema
}

// compile renders the schema to JSON for requests and prepares the argument
// validator. Meta keywords are dropped, since providers and the validator
// only need the structural part.
func (d *ToolDefinition) compile() error {
	params := d.Parameters
	if params == nil {
		params = &jsonschema.Schema{Type: "object"}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return errors.Wrapf(err, "could not marshal schema of tool %s", d.Name)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return errors.Wrapf(err, "could not decode schema of tool %s", d.Name)
	}
	delete(m, "$schema")
	delete(m, "$id")
	cleaned, err := json.Marshal(m)
	if err != nil {
		return err
	}

	validator, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(cleaned))
	if err != nil {
		return errors.Wrapf(err, "invalid schema for tool %s", d.Name)
	}
	d.schemaJSON = cleaned
	d.validator = validator
	return nil
}

// Validate checks args against the parameter schema.
func (d *ToolDefinition) Validate(args map[string]interface{}) error {
	if d.validator == nil {
		return nil
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	res, err := d.validator.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return errors.Wrap(err, "could not validate arguments")
	}
	if res.Valid() {
		return nil
	}
	msg := ""
	for i, e := range res.Errors() {
		if i > 0 {
			msg += "; "
		}
		msg += e.String()
	}
	return errors.New(msg)
}

// ExecuteWithContext decodes args into the input type and calls the function.
func (tf *ToolFunc) ExecuteWithContext(ctx context.Context, args []byte) (interface{}, error) {
	if !tf.fnValue.IsValid() {
		return nil, errors.New("tool function not properly initialized")
	}

	var in []reflect.Value
	if tf.hasCtx {
		in = append(in, reflect.ValueOf(ctx))
	}
	if tf.inputType != nil {
		input := reflect.New(tf.inputType)
		if len(args) > 0 {
			if err := json.Unmarshal(args, input.Interface()); err != nil {
				log.Debug().Err(err).Str("input_type", tf.inputType.String()).Msg("tools: failed to unmarshal arguments")
				return nil, errors.Wrap(err, "failed to unmarshal arguments")
			}
		}
		in = append(in, input.Elem())
	}

	results := tf.fnValue.Call(in)
	if len(results) == 2 && !results[1].IsNil() {
		return nil, results[1].Interface().(error)
	}
	return results[0].Interface(), nil
}
