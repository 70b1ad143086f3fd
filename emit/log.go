package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured log output to a writer.
//
// Supports two output modes:
//   - Text mode (default): human-readable format with key=value pairs.
//   - JSON mode: machine-readable JSON, one event per line (JSONL).
//
// Example text output:
//
//	[migration_begin] node=2f6c... instance=a1b2c3d4 seq=7
//
// Example JSON output:
//
//	{"node":"2f6c...","instance":"a1b2c3d4","seq":7,"msg":"migration_begin","meta":null}
//
// A mutex serializes writes so events from concurrent instance tasks
// never interleave within a line.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a new LogEmitter writing to the provided writer
// (os.Stdout if nil). If jsonMode is true events are emitted as JSONL.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes an event to the configured writer.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		Node     string                 `json:"node"`
		Instance string                 `json:"instance"`
		Seq      uint64                 `json:"seq"`
		Msg      string                 `json:"msg"`
		Meta     map[string]interface{} `json:"meta"`
	}{
		Node:     event.NodeID,
		Instance: event.InstanceID,
		Seq:      event.Seq,
		Msg:      event.Msg,
		Meta:     event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] node=%s instance=%s seq=%d",
		event.Msg, event.NodeID, event.InstanceID, event.Seq)
	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes multiple events in order, holding the write lock once
// for the whole batch so related events stay adjacent in the output.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, event := range events {
		if l.jsonMode {
			l.emitJSON(event)
		} else {
			l.emitText(event)
		}
	}
	return nil
}

// Flush is a no-op: LogEmitter writes directly without buffering. The
// underlying writer handles its own buffering (e.g. bufio.Writer).
func (l *LogEmitter) Flush(_ context.Context) error {
	return nil
}
