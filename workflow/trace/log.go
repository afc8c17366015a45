package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogTracer writes trace events to a writer in either human-readable
// text or machine-readable JSON, one event per line.
//
// Example text output:
//
//	[step_finished] workflow=wf-1 instance=abc step=Fetch result=3
//
// Example JSON output:
//
//	{"event":"step_finished","step":"Fetch","workflow_id":"wf-1",...}
type LogTracer struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogTracer creates a tracer writing to w. If w is nil, os.Stdout is
// used. jsonMode selects JSONL output over the text format.
func NewLogTracer(w io.Writer, jsonMode bool) *LogTracer {
	if w == nil {
		w = os.Stdout
	}
	return &LogTracer{writer: w, jsonMode: jsonMode}
}

// Record writes ev to the configured writer.
func (l *LogTracer) Record(ev Event) {
	stamp(&ev)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		data, err := json.Marshal(ev)
		if err != nil {
			fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}

	fmt.Fprintf(l.writer, "[%s] workflow=%s instance=%s", ev.Event, ev.WorkflowID, ev.InstanceID)
	if ev.Step != "" {
		fmt.Fprintf(l.writer, " step=%s", ev.Step)
	}
	if ev.Result != nil {
		fmt.Fprintf(l.writer, " result=%v", ev.Result)
	}
	if ev.Skipped != nil {
		fmt.Fprintf(l.writer, " skipped=%v", *ev.Skipped)
	}
	if ev.Error != "" {
		fmt.Fprintf(l.writer, " error=%q", ev.Error)
	}
	if ev.Dependency != "" {
		fmt.Fprintf(l.writer, " dependency=%s value=%v passed=%v", ev.Dependency, ev.Value, ev.Passed != nil && *ev.Passed)
	}
	fmt.Fprint(l.writer, "\n")
}
