package amqprpc

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// jsonEncodable reports whether v marshals cleanly as-is. It is the
// "primary encode" referred to by spec.md Design Notes' reply fallback.
func jsonEncodable(v any) bool {
	if v == nil {
		return true
	}
	_, err := json.Marshal(v)
	return err == nil
}

// shallowStringify is the best-effort fallback when a reply value is not
// directly JSON-encodable: it dumps the value's exported fields as
// string(value) pairs, mirroring impl_kombu.py's
// `dict((k, repr(v)) for k, v in reply.__dict__.iteritems())`. This is
// explicitly best-effort and not part of the externally guaranteed
// contract (spec.md Design Notes, open question).
func shallowStringify(v any) map[string]string {
	out := make(map[string]string)

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return out
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		out["value"] = fmt.Sprintf("%v", v)
		return out
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		out[field.Name] = fmt.Sprintf("%v", rv.Field(i).Interface())
	}
	return out
}
