package interp

import "strings"

// collector builds the notebook-format output list of an execution while
// forwarding each output to the live emitter. It implements the merge rules
// the saved notebook expects: consecutive writes to the same stream coalesce
// into one output record, and stream updates rewrite the record's last line.
type collector struct {
	emit    Emitter
	outputs []map[string]any
}

func newCollector(emit Emitter) *collector {
	if emit == nil {
		emit = NopEmitter{}
	}
	return &collector{emit: emit}
}

func (c *collector) lastStream(name string) (map[string]any, bool) {
	if len(c.outputs) == 0 {
		return nil, false
	}
	last := c.outputs[len(c.outputs)-1]
	if last["output_type"] == "stream" && last["name"] == name {
		return last, true
	}
	return nil, false
}

func (c *collector) Stream(name, text string) {
	c.emit.Stream(name, text)
	if rec, ok := c.lastStream(name); ok {
		rec["text"] = rec["text"].(string) + text
		return
	}
	c.outputs = append(c.outputs, map[string]any{
		"output_type": "stream",
		"name":        name,
		"text":        text,
	})
}

func (c *collector) StreamUpdate(name, text string) {
	c.emit.StreamUpdate(name, text)
	rec, ok := c.lastStream(name)
	if !ok {
		c.outputs = append(c.outputs, map[string]any{
			"output_type": "stream",
			"name":        name,
			"text":        text,
		})
		return
	}
	prev := rec["text"].(string)
	if i := strings.LastIndexByte(strings.TrimSuffix(prev, "\n"), '\n'); i >= 0 {
		rec["text"] = prev[:i+1] + text
	} else {
		rec["text"] = text
	}
}

func (c *collector) Display(data map[string]any) {
	c.emit.Display(data)
	c.outputs = append(c.outputs, map[string]any{
		"output_type": "display_data",
		"data":        data,
		"metadata":    map[string]any{},
	})
}

func (c *collector) Result(data map[string]any, executionCount int) {
	c.emit.Result(data, executionCount)
	c.outputs = append(c.outputs, map[string]any{
		"output_type":     "execute_result",
		"data":            data,
		"metadata":        map[string]any{},
		"execution_count": executionCount,
	})
}

func (c *collector) Error(e *ExecError) {
	p := e.Payload()
	c.outputs = append(c.outputs, map[string]any{
		"output_type": "error",
		"ename":       p.Ename,
		"evalue":      p.Evalue,
		"traceback":   p.Traceback,
	})
}

// Outputs returns the collected notebook outputs, never nil.
func (c *collector) Outputs() []map[string]any {
	if c.outputs == nil {
		return []map[string]any{}
	}
	return c.outputs
}
