// internal/websocket/router.go
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// Router maps RPC method names to the exported methods of a bindings value.
// A method whose first parameter is a context.Context receives the context
// of the calling connection.
type Router struct {
	app     interface{}
	methods map[string]reflect.Method
}

// NewRouter registers every exported method of app.
func NewRouter(app interface{}) *Router {
	r := &Router{
		app:     app,
		methods: make(map[string]reflect.Method),
	}

	appType := reflect.TypeOf(app)
	for i := 0; i < appType.NumMethod(); i++ {
		method := appType.Method(i)
		if method.IsExported() {
			r.methods[method.Name] = method
		}
	}
	return r
}

// Has reports whether name is a registered method.
func (r *Router) Has(name string) bool {
	_, ok := r.methods[name]
	return ok
}

// Call invokes methodName with params decoded from JSON.
func (r *Router) Call(ctx context.Context, methodName string, params []interface{}) (interface{}, error) {
	method, ok := r.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("method not found: %s", methodName)
	}

	methodType := method.Type
	args := []reflect.Value{reflect.ValueOf(r.app)}
	first := 1
	if methodType.NumIn() > 1 && methodType.In(1) == contextType {
		args = append(args, reflect.ValueOf(ctx))
		first = 2
	}

	numIn := methodType.NumIn() - first
	if len(params) != numIn {
		return nil, fmt.Errorf("method %s expects %d params, got %d", methodName, numIn, len(params))
	}
	for i, param := range params {
		value, err := convertParam(param, methodType.In(first+i))
		if err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
		args = append(args, value)
	}

	return processResults(method.Func.Call(args))
}

// convertParam converts a value produced by encoding/json into targetType.
func convertParam(param interface{}, targetType reflect.Type) (reflect.Value, error) {
	if param == nil {
		return reflect.Zero(targetType), nil
	}

	paramValue := reflect.ValueOf(param)
	if paramValue.Type().AssignableTo(targetType) {
		return paramValue, nil
	}

	// JSON numbers arrive as float64.
	if paramValue.Kind() == reflect.Float64 {
		switch targetType.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
			reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return paramValue.Convert(targetType), nil
		}
	}

	switch targetType.Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Ptr:
		data, err := json.Marshal(param)
		if err != nil {
			return reflect.Value{}, err
		}
		target := reflect.New(targetType)
		if err := json.Unmarshal(data, target.Interface()); err != nil {
			return reflect.Value{}, fmt.Errorf("cannot decode %s: %w", targetType, err)
		}
		return target.Elem(), nil
	}

	if paramValue.Type().ConvertibleTo(targetType) {
		return paramValue.Convert(targetType), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot convert %T to %s", param, targetType)
}

// processResults maps (value), (error) and (value, error) returns onto a
// response.
func processResults(results []reflect.Value) (interface{}, error) {
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		if results[0].Type().Implements(errorType) {
			if !results[0].IsNil() {
				return nil, results[0].Interface().(error)
			}
			return nil, nil
		}
		return results[0].Interface(), nil
	case 2:
		if !results[1].IsNil() {
			return nil, results[1].Interface().(error)
		}
		return results[0].Interface(), nil
	default:
		var result []interface{}
		for i := 0; i < len(results)-1; i++ {
			result = append(result, results[i].Interface())
		}
		last := results[len(results)-1]
		if last.Type().Implements(errorType) && !last.IsNil() {
			return nil, last.Interface().(error)
		}
		return result, nil
	}
}
