// Package trace implements the TraceLogger component: a leveled,
// structured JSONL event sink with reliable rotation and a terminal run_summary
// event. Construction and shutdown follow the same single-call Init/Close shape
// used elsewhere in the engine, and the file handle itself is owned by a single
// writer goroutine — callers never touch it directly, only send over a channel.
package trace

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/agentoven/agentoven/control-plane/internal/delegate"
)

// truncatedFields names the free-text fields basic-level tracing shortens.
var truncatedFields = []string{"prompt", "response", "result", "content"}

// Logger is the engine's TraceSink. A single writer goroutine owns the file handle;
// Emit sends over a bounded channel so a slow writer backpressures callers instead
// of dropping events.
type Logger struct {
	level     delegate.TraceLevel
	truncate  int
	sessionID string
	path      string

	writer io.WriteCloser
	events chan delegate.TraceEvent
	done   chan struct{}

	mu     sync.Mutex
	counts map[delegate.TraceEventType]int
	start  time.Time

	closeOnce sync.Once
	log       zerolog.Logger
}

// New creates a session-scoped JSONL trace file under cfg.Dir and starts its
// writer goroutine. The caller must call Close when the run ends.
func New(cfg delegate.TraceConfig, log zerolog.Logger) (*Logger, error) {
	l := &Logger{
		level:     cfg.Level,
		truncate:  cfg.TruncateChars,
		sessionID: uuid.New().String(),
		events:    make(chan delegate.TraceEvent, 256),
		done:      make(chan struct{}),
		counts:    make(map[delegate.TraceEventType]int),
		start:     time.Now(),
		log:       log.With().Str("component", "trace").Logger(),
	}
	if l.truncate <= 0 {
		l.truncate = 500
	}

	if cfg.Level == delegate.TraceOff {
		close(l.done)
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("trace: create trace dir: %w", err)
	}
	filename := fmt.Sprintf("trace_%s.jsonl", time.Now().Format("20060102_150405"))
	l.path = filepath.Join(cfg.Dir, filename)
	l.writer = &lumberjack.Logger{
		Filename:   l.path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}

	go l.run()
	return l, nil
}

func (l *Logger) run() {
	defer close(l.done)
	enc := json.NewEncoder(l.writer)
	for ev := range l.events {
		l.mu.Lock()
		if ev.Type == delegate.EvRunSummary && ev.Data != nil {
			// Close snapshots the counts before the queue has drained; refresh
			// them here, where every event queued before the summary is counted.
			for t, c := range l.counts {
				ev.Data[string(t)] = c
			}
		}
		l.counts[ev.Type]++
		l.mu.Unlock()
		if err := enc.Encode(traceLine(ev)); err != nil {
			l.log.Warn().Err(err).Msg("trace write failed")
		}
	}
}

type line struct {
	TS     string                 `json:"ts"`
	Type   delegate.TraceEventType `json:"type"`
	TaskID string                 `json:"task_id,omitempty"`
	Role   string                 `json:"role,omitempty"`
	Data   map[string]any         `json:"data,omitempty"`
}

func traceLine(ev delegate.TraceEvent) line {
	return line{
		TS:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Type:   ev.Type,
		TaskID: ev.TaskID,
		Role:   ev.Role,
		Data:   ev.Data,
	}
}

// Emit records ev if the current level includes its type, truncating large
// free-text fields at basic level. Blocks (applies backpressure) if the writer is
// behind; never drops.
func (l *Logger) Emit(ev delegate.TraceEvent) {
	if l.level == delegate.TraceOff {
		return
	}
	if !l.included(ev.Type) {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if l.level == delegate.TraceBasic {
		ev.Data = truncateData(ev.Data, l.truncate)
	}
	l.events <- ev
}

func (l *Logger) included(t delegate.TraceEventType) bool {
	switch l.level {
	case delegate.TraceSummary:
		return t == delegate.EvRunSummary || t == delegate.EvTaskStart || t == delegate.EvTaskEnd
	case delegate.TraceOff:
		return false
	default: // basic, full and debug record every event type; debug records the
		// same payloads as full (tool_call events carry the tool name, error
		// flag and argument count, not the arguments or the result text).
		return true
	}
}

func truncateData(data map[string]any, limit int) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, f := range truncatedFields {
			if k == f && len(s) > limit {
				out[k] = s[:limit] + fmt.Sprintf("...(%d more chars)", len(s)-limit)
			}
		}
	}
	return out
}

// Close writes a terminal run_summary event with per-type counts and total
// duration, then stops the writer goroutine and closes the file. Safe to call once;
// subsequent calls are no-ops.
func (l *Logger) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		if l.level == delegate.TraceOff {
			return
		}
		l.mu.Lock()
		counts := make(map[string]any, len(l.counts)+1)
		for t, c := range l.counts {
			counts[string(t)] = c
		}
		l.mu.Unlock()
		counts["total_duration_ms"] = time.Since(l.start).Milliseconds()
		counts["session_id"] = l.sessionID

		l.events <- delegate.TraceEvent{
			Timestamp: time.Now(),
			Type:      delegate.EvRunSummary,
			Data:      counts,
		}
		close(l.events)
		<-l.done
		if l.writer != nil {
			closeErr = l.writer.Close()
		}
	})
	return closeErr
}

// Path returns the on-disk trace file path, or "" if tracing is off.
func (l *Logger) Path() string { return l.path }
