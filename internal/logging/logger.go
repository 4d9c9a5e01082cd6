// Package logging provides the orchestrator's self-contained, component-aware
// structured logger. No third-party logging library is used here: the
// coordination plane follows the same layered, stdlib-only logging approach
// used throughout its ambient stack.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Fields is a structured set of log attributes.
type Fields map[string]interface{}

// Logger is the orchestrator's structured logger. It is safe for concurrent
// use and supports per-component sub-loggers via With.
type Logger struct {
	level     string
	debug     bool
	service   string
	component string
	format    string
	output    io.Writer
	mu        *sync.RWMutex

	errorLimiter *RateLimiter
}

// New builds a root Logger for service, auto-detecting format from the
// environment (JSON under a container orchestrator, text otherwise).
func New(service string) *Logger {
	level := os.Getenv("ORCH_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}
	debug := os.Getenv("ORCH_DEBUG") == "true" || strings.ToUpper(level) == "DEBUG"

	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("ORCH_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &Logger{
		level:        strings.ToUpper(level),
		debug:        debug,
		service:      service,
		component:    "orchestrator",
		format:       format,
		output:       os.Stdout,
		mu:           &sync.RWMutex{},
		errorLimiter: NewRateLimiter(time.Second),
	}
}

// With returns a sub-logger scoped to component; it shares the parent's
// output, level, and rate limiter.
func (l *Logger) With(component string) *Logger {
	return &Logger{
		level:        l.level,
		debug:        l.debug,
		service:      l.service,
		component:    component,
		format:       l.format,
		output:       l.output,
		mu:           l.mu,
		errorLimiter: l.errorLimiter,
	}
}

func (l *Logger) Info(msg string, fields Fields)  { l.log("INFO", msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log("WARN", msg, fields) }
func (l *Logger) Debug(msg string, fields Fields) {
	if !l.debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

// Error logs at error level. Error logs are rate-limited so a failure storm
// does not flood the output.
func (l *Logger) Error(msg string, fields Fields) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

func (l *Logger) log(level, msg string, fields Fields) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.shouldLog(level) {
		return
	}

	ts := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(ts, level, msg, fields)
	} else {
		l.logText(ts, level, msg, fields)
	}
}

func (l *Logger) logJSON(ts, level, msg string, fields Fields) {
	entry := map[string]interface{}{
		"timestamp": ts,
		"level":     level,
		"service":   l.service,
		"component": l.component,
		"message":   msg,
	}
	for k, v := range fields {
		if k == "timestamp" || k == "level" || k == "service" || k == "component" || k == "message" {
			continue
		}
		entry[k] = v
	}
	if data, err := json.Marshal(entry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

func (l *Logger) logText(ts, level, msg string, fields Fields) {
	var b strings.Builder
	if len(fields) > 0 {
		b.WriteString(" ")
		for _, key := range []string{"task_id", "saga_id", "correlation_id", "error"} {
			if v, ok := fields[key]; ok {
				fmt.Fprintf(&b, "%s=%v ", key, v)
			}
		}
		for k, v := range fields {
			switch k {
			case "task_id", "saga_id", "correlation_id", "error":
				continue
			}
			fmt.Fprintf(&b, "%s=%v ", k, v)
		}
	}
	fmt.Fprintf(l.output, "%s [%s] [%s:%s] %s%s\n", ts, level, l.service, l.component, msg, b.String())
}

func (l *Logger) shouldLog(level string) bool {
	order := map[string]int{"DEBUG": 0, "INFO": 1, "WARN": 2, "ERROR": 3}
	cur, ok1 := order[l.level]
	lvl, ok2 := order[level]
	if !ok1 || !ok2 {
		return true
	}
	return lvl >= cur
}

// SetOutput redirects log output; used by tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}
