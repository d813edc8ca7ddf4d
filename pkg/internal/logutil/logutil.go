package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "strings"
    "sync/atomic"
    "time"
)

// Level orders log severities; messages below the configured level are dropped.
type Level int32

const (
    LevelDebug Level = iota
    LevelInfo
    LevelWarn
    LevelError
)

func (l Level) String() string {
    switch l {
    case LevelDebug:
        return "debug"
    case LevelInfo:
        return "info"
    case LevelWarn:
        return "warn"
    default:
        return "error"
    }
}

var (
    jsonMode atomic.Bool
    minLevel atomic.Int32
)

func init() {
    if os.Getenv("RAFT_LOG_JSON") == "1" || os.Getenv("RAFT_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
    minLevel.Store(int32(ParseLevel(os.Getenv("RAFT_LOG_LEVEL"))))
}

// ParseLevel maps a level name to a Level; unknown names mean info.
func ParseLevel(s string) Level {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "debug":
        return LevelDebug
    case "warn", "warning":
        return LevelWarn
    case "error":
        return LevelError
    default:
        return LevelInfo
    }
}

func SetJSON(enabled bool) { jsonMode.Store(enabled) }
func SetLevel(l Level)     { minLevel.Store(int32(l)) }

// Component returns a logger writing to the same sink as l whose messages are
// tagged with name (a "[name] " prefix, or a "component" field in JSON mode).
func Component(l *log.Logger, name string) *log.Logger {
    if l == nil { l = log.Default() }
    return log.New(l.Writer(), "["+name+"] ", l.Flags()|log.Lmsgprefix)
}

func Debugf(l *log.Logger, f string, args ...any) { logf(l, LevelDebug, f, args...) }
func Infof(l *log.Logger, f string, args ...any)  { logf(l, LevelInfo, f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, LevelWarn, f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, LevelError, f, args...) }

func logf(l *log.Logger, level Level, f string, args ...any) {
    if level < Level(minLevel.Load()) {
        return
    }
    if l == nil { l = log.Default() }
    msg := fmt.Sprintf(f, args...)
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level.String(),
            "msg":   msg,
        }
        if c := componentOf(l); c != "" { evt["component"] = c }
        b, _ := json.Marshal(evt)
        log.New(l.Writer(), "", 0).Println(string(b))
        return
    }
    l.Printf("%s %s", strings.ToUpper(level.String()), msg)
}

func componentOf(l *log.Logger) string {
    p := l.Prefix()
    if strings.HasPrefix(p, "[") && strings.HasSuffix(p, "] ") {
        return p[1 : len(p)-2]
    }
    return ""
}
