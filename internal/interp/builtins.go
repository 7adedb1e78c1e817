package interp

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/morecompute/morecompute/common"
)

// exprBuiltins are the function names predeclared by the expression engine.
// They are excluded from the undefined-name check, since they resolve at
// evaluation time rather than through the namespace.
var exprBuiltins = common.MakeSet[string](64)

func init() {
	for _, name := range []string{
		"abs", "all", "any", "ceil", "concat", "contains", "count", "date",
		"duration", "filter", "find", "findIndex", "findLast", "findLastIndex",
		"first", "flatten", "float", "floor", "fromJSON", "get", "groupBy",
		"hasPrefix", "hasSuffix", "indexOf", "int", "join", "keys", "last",
		"lastIndexOf", "len", "lower", "map", "max", "mean", "median", "min",
		"none", "now", "one", "reduce", "repeat", "replace", "reverse",
		"round", "sort", "sortBy", "split", "splitAfter", "string", "sum",
		"take", "toJSON", "trim", "trimPrefix", "trimSuffix", "type", "upper",
		"values",
	} {
		exprBuiltins.Insert(name)
	}
}

// builtins returns the functions injected into every cell's environment.
// They close over the execution context and the output collector, so output
// goes to the right cell and sleeps abort on interrupt.
func (in *Interpreter) builtins(ctx context.Context, col *collector) map[string]any {
	return map[string]any{
		"print": func(args ...any) any {
			writeJoined(col, "stdout", args)
			return nil
		},
		"printerr": func(args ...any) any {
			writeJoined(col, "stderr", args)
			return nil
		},
		"sleep": func(seconds any) (any, error) {
			d, err := toDuration(seconds)
			if err != nil {
				return nil, err
			}
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-timer.C:
				return nil, nil
			case <-ctx.Done():
				return nil, errors.New(InterruptedMessage)
			}
		},
		"show_image": func(path string) (any, error) {
			return nil, in.showImage(col, path)
		},
	}
}

func writeJoined(col *collector, stream string, args []any) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Display(a)
	}
	text := strings.Join(parts, " ")
	// A leading carriage return rewrites the current line instead of
	// appending, which is how progress counters render.
	if strings.HasPrefix(text, "\r") {
		col.StreamUpdate(stream, strings.TrimPrefix(text, "\r"))
		return
	}
	col.Stream(stream, text+"\n")
}

func toDuration(v any) (time.Duration, error) {
	switch x := v.(type) {
	case int:
		return time.Duration(x) * time.Second, nil
	case float64:
		return time.Duration(x * float64(time.Second)), nil
	default:
		return 0, errors.Errorf("sleep expects a number of seconds, got %T", v)
	}
}

var imageMIMETypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".svg":  "image/svg+xml",
}

func (in *Interpreter) showImage(col *collector, path string) error {
	mimeType, ok := imageMIMETypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return errors.Errorf("unsupported image type %q", filepath.Ext(path))
	}
	if !filepath.IsAbs(path) && in.dir != "" {
		path = filepath.Join(in.dir, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.WithMessagef(err, "show_image(%q)", path)
	}
	if mimeType == "image/svg+xml" {
		col.Display(map[string]any{mimeType: string(raw)})
		return nil
	}
	col.Display(map[string]any{mimeType: base64.StdEncoding.EncodeToString(raw)})
	return nil
}
