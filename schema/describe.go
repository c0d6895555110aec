package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseDescription reconstructs a field descriptor from its canonical
// description. The description is the diff baseline stored in migration hash
// blocks, so parsing it back makes the latest hash block fully authoritative:
// delete and alter operations can be synthesized without the original source
// files.
func ParseDescription(desc string) (*Field, error) {
	open := strings.IndexByte(desc, '(')
	if open < 0 || !strings.HasSuffix(desc, ")") {
		return nil, fmt.Errorf("malformed field description %q", desc)
	}
	f := &Field{kind: Kind(desc[:open])}
	switch f.kind {
	case KindChar, KindText, KindInteger, KindBoolean, KindDateTime, KindJSON, KindEnum:
	default:
		return nil, fmt.Errorf("unknown field kind %q", desc[:open])
	}

	body := desc[open+1 : len(desc)-1]
	for _, part := range splitDescription(body) {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("malformed attribute %q in %q", part, desc)
		}
		switch key {
		case "max_length":
			n, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("malformed max_length in %q", desc)
			}
			f.maxLength = n
		case "choices":
			if !strings.HasPrefix(value, "[") || !strings.HasSuffix(value, "]") {
				return nil, fmt.Errorf("malformed choices in %q", desc)
			}
			if inner := value[1 : len(value)-1]; inner != "" {
				f.choices = strings.Split(inner, " ")
			}
		case "null":
			f.null = value == "true"
		case "unique":
			f.unique = value == "true"
		case "primary_key":
			f.primaryKey = value == "true"
		case "default":
			f.defaultVal = value
		default:
			return nil, fmt.Errorf("unknown attribute %q in %q", key, desc)
		}
	}
	return f, nil
}

// splitDescription splits attribute pairs on ", ", merging anything after a
// default= attribute back together since the default value is free-form.
func splitDescription(body string) []string {
	parts := strings.Split(body, ", ")
	for i, p := range parts {
		if strings.HasPrefix(p, "default=") {
			merged := strings.Join(parts[i:], ", ")
			return append(parts[:i:i], merged)
		}
	}
	return parts
}
