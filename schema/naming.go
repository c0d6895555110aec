package schema

import "strings"

// ToSnake converts a model class name to its table base name, e.g.
// "TestModel" -> "test_model". Every operation and the query compiler must
// derive names through this single function.
func ToSnake(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SplitLabel splits a qualified "app.Model" reference into its parts. A
// reference without a dot is returned with an empty app label.
func SplitLabel(ref string) (appLabel, modelName string) {
	if i := strings.IndexByte(ref, '.'); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}
