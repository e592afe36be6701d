package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogBufferWriter is an io.Writer that feeds zerolog events into a LogBuffer.
// Lines that are not JSON events fall back to the "[nodeID] message" format.
type LogBufferWriter struct {
	buffer *LogBuffer
	buf    bytes.Buffer
	mu     sync.Mutex
}

var nodeIDRegex = regexp.MustCompile(`^\[([^\]]+)\]\s*(.*)$`)

func NewLogBufferWriter(buffer *LogBuffer) *LogBufferWriter {
	return &LogBufferWriter{
		buffer: buffer,
	}
}

// Write implements io.Writer
func (lw *LogBufferWriter) Write(p []byte) (n int, err error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	// Buffer until we get a newline
	lw.buf.Write(p)

	for {
		line, err := lw.buf.ReadString('\n')
		if err == io.EOF {
			// Keep the partial line for the next write.
			lw.buf.Reset()
			lw.buf.WriteString(line)
			break
		}
		if err != nil {
			return len(p), err
		}

		line = strings.TrimSuffix(line, "\n")
		if len(line) == 0 {
			continue
		}
		lw.buffer.Add(parseLine(line))
	}

	return len(p), nil
}

func parseLine(line string) LogEntry {
	if strings.HasPrefix(line, "{") {
		if entry, ok := parseEvent(line); ok {
			return entry
		}
	}

	entry := LogEntry{NodeID: "system", Message: line}
	if matches := nodeIDRegex.FindStringSubmatch(line); len(matches) == 3 {
		entry.NodeID = matches[1]
		entry.Message = matches[2]
	}
	return entry
}

// parseEvent turns a zerolog JSON event into an entry. Fields other than the
// well known ones are appended to the message as key=value, sorted by key.
func parseEvent(line string) (LogEntry, bool) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return LogEntry{}, false
	}

	entry := LogEntry{NodeID: "system"}
	if v, ok := fields[zerolog.LevelFieldName].(string); ok {
		entry.Level = v
	}
	if v, ok := fields["node"].(string); ok && v != "" {
		entry.NodeID = v
	}
	if v, ok := fields[zerolog.TimestampFieldName].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			entry.Timestamp = ts
		}
	}

	var msg strings.Builder
	if v, ok := fields["component"].(string); ok && v != "" {
		msg.WriteString(v)
		msg.WriteString(": ")
	}
	if v, ok := fields[zerolog.MessageFieldName].(string); ok {
		msg.WriteString(v)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		switch k {
		case zerolog.LevelFieldName, zerolog.TimestampFieldName, zerolog.MessageFieldName, "node", "component":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&msg, " %s=%v", k, fields[k])
	}

	entry.Message = msg.String()
	return entry, true
}
