package interp

// Emitter receives the live outputs of a cell execution as they happen.
// The worker's implementation publishes them on the event channel; tests
// use a recording implementation.
type Emitter interface {
	// Stream appends text to the named stream ("stdout" or "stderr").
	Stream(name, text string)
	// StreamUpdate replaces the last line of the named stream, used for
	// in-place progress output.
	StreamUpdate(name, text string)
	// Display publishes a rich display payload, keyed by MIME type.
	Display(data map[string]any)
	// Result publishes the value of the cell's final expression.
	Result(data map[string]any, executionCount int)
}

// NopEmitter discards everything. Outputs are still collected on the
// execution outcome.
type NopEmitter struct{}

func (NopEmitter) Stream(string, string)       {}
func (NopEmitter) StreamUpdate(string, string) {}
func (NopEmitter) Display(map[string]any)      {}
func (NopEmitter) Result(map[string]any, int)  {}
