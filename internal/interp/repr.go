package interp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/morecompute/morecompute/common"
)

// Repr renders a value the way the notebook displays results: strings are
// quoted, floats drop trailing zeros, maps print with sorted keys so output
// is stable across runs.
func Repr(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case string:
		return strconv.Quote(x)
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'g', -1, 32)
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = Repr(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		parts := make([]string, 0, len(x))
		for _, k := range common.SortedKeys(x) {
			parts = append(parts, strconv.Quote(k)+": "+Repr(x[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Display renders a value for the stdout stream, like Repr but with bare
// strings, matching what print produces.
func Display(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return Repr(v)
}

func textPlain(v any) map[string]any {
	return map[string]any{"text/plain": Repr(v)}
}
