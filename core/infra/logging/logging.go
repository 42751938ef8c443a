// Package logging provides a minimal structured-ish wrapper over the
// standard library logger. Lines look like "[COMPONENT] msg key=val key=val"
// by default; setting WEBHOOKD_LOG_FORMAT=json switches every call to a
// single-line JSON object instead, for deployments that ship logs to a
// collector that parses JSON rather than grep-ing text.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

const envLogFormat = "WEBHOOKD_LOG_FORMAT"

var (
	logFormatOnce sync.Once
	logAsJSON     bool
)

func ensureLogFormat() {
	logFormatOnce.Do(func() {
		logAsJSON = strings.EqualFold(strings.TrimSpace(os.Getenv(envLogFormat)), "json")
	})
}

// Info logs a message with key/value fields using a consistent prefix.
func Info(component, msg string, kv ...interface{}) {
	log.Print(render("INFO", component, msg, kv...))
}

// Warn logs a warning-level message. Used for startup conditions worth
// flagging but not treated as errors, e.g. an ingress source configured
// with no signing secret.
func Warn(component, msg string, kv ...interface{}) {
	log.Print(render("WARN", component, msg, kv...))
}

// Error logs an error message with key/value fields using a consistent prefix.
func Error(component, msg string, kv ...interface{}) {
	log.Print(render("ERROR", component, msg, kv...))
}

func render(level, component, msg string, kv ...interface{}) string {
	ensureLogFormat()
	if logAsJSON {
		return renderJSON(level, component, msg, kv...)
	}
	if level == "INFO" {
		return fmt.Sprintf("[%s] %s%s", strings.ToUpper(component), msg, formatFields(kv...))
	}
	return fmt.Sprintf("[%s] %s %s%s", strings.ToUpper(component), level, msg, formatFields(kv...))
}

func renderJSON(level, component, msg string, kv ...interface{}) string {
	payload := map[string]interface{}{
		"level":     level,
		"component": component,
		"msg":       msg,
	}
	if len(kv) > 0 {
		if len(kv)%2 != 0 {
			kv = append(kv, "(missing)")
		}
		fields := make(map[string]interface{}, len(kv)/2)
		for i := 0; i < len(kv); i += 2 {
			fields[toString(kv[i])] = kv[i+1]
		}
		payload["fields"] = fields
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("[%s] %s %s (log_marshal_error=%v)", strings.ToUpper(component), level, msg, err)
	}
	return string(data)
}

func formatFields(kv ...interface{}) string {
	if len(kv) == 0 {
		return ""
	}
	if len(kv)%2 != 0 {
		kv = append(kv, "(missing)")
	}
	var b strings.Builder
	b.WriteString(" ")
	for i := 0; i < len(kv); i += 2 {
		if i > 0 {
			b.WriteString(" ")
		}
		key := kv[i]
		val := kv[i+1]
		b.WriteString(strings.TrimSpace(toString(key)))
		b.WriteString("=")
		b.WriteString(toString(val))
	}
	return b.String()
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		return strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(strings.TrimSpace(fmt.Sprintf("%v", t)), "\n", " "), "\t", " "))
	}
}
