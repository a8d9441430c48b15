package observ

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

// SetOutput redirects the event stream, mainly for tests.
func SetOutput(w io.Writer) {
	outMu.Lock()
	out = w
	outMu.Unlock()
}

// Log emits one JSON event line at info level.
func Log(event string, kv map[string]any) {
	emit("info", event, kv)
}

// Warn emits one JSON event line at warn level. Used for degraded paths the
// crawler survives: cache faults, persistence failures, skipped tiers.
func Warn(event string, kv map[string]any) {
	emit("warn", event, kv)
}

func emit(level, event string, kv map[string]any) {
	line := make(map[string]any, len(kv)+3)
	for k, v := range kv {
		line[k] = v
	}
	line["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	line["level"] = level
	line["event"] = event
	b, _ := json.Marshal(line)
	outMu.Lock()
	fmt.Fprintln(out, string(b))
	outMu.Unlock()
}
