// Package omitnil flattens optional fields for logging and partial writes.
package omitnil

import "reflect"

// Fields drops nil values and nil pointers from fields and dereferences the remaining pointers.
func Fields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if value == nil {
			continue
		}

		v := reflect.ValueOf(value)
		if v.Kind() != reflect.Pointer {
			out[key] = value
			continue
		}
		if v.IsNil() {
			continue
		}
		out[key] = v.Elem().Interface()
	}

	return out
}
