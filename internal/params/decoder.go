package params

import (
	"net/url"
	"strings"
)

const (
	openBlock  = "{"
	closeBlock = "}"
	stringType = "STRING"
)

// multiValue is a parsed value of the form {<sep>{v1<sep>v2...}<TYPE>}.
type multiValue struct {
	values []string
	kind   string
}

func parseMultiValue(value string) (multiValue, bool) {
	v := strings.TrimSpace(value)
	// shortest well-formed value is "{;{}}"
	if len(v) < 5 || !strings.HasPrefix(v, openBlock) || !strings.HasSuffix(v, closeBlock) {
		return multiValue{}, false
	}

	sep := v[1:2]
	if v[2:3] != openBlock {
		return multiValue{}, false
	}

	body := v[:len(v)-1]
	end := strings.LastIndex(body, closeBlock)
	if end < 3 {
		return multiValue{}, false
	}

	return multiValue{
		values: strings.Split(body[3:end], sep),
		kind:   body[end+1:],
	}, true
}

// IsMultiValue reports whether value uses the multi-value encoding.
func IsMultiValue(value string) bool {
	_, ok := parseMultiValue(value)
	return ok
}

// Decode URL-decodes a template value and flattens multi-value encodings
// into a comma separated list. Quotes around STRING values are removed.
func Decode(value string) string {
	decoded, err := url.QueryUnescape(value)
	if err != nil {
		decoded = value
	}

	mv, ok := parseMultiValue(decoded)
	if !ok {
		return decoded
	}

	values := mv.values
	if strings.EqualFold(mv.kind, stringType) {
		values = make([]string, len(mv.values))
		for i, v := range mv.values {
			values[i] = strings.Trim(v, "'")
		}
	}

	return strings.Join(values, ",")
}
