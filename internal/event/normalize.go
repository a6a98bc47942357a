// Package event normalizes webhook payloads from the voice provider.
//
// The provider has shipped several envelope shapes over time (payload at the
// top level, nested under "message", "data" or "artifact") and all of them
// are still seen in production. Every field is therefore extracted through an
// ordered list of candidate paths, tried until one yields a non-empty value.
// Absence of a field yields a zero value, never an error.
package event

import (
	"strconv"
	"strings"
)

// Body is a decoded provider payload. Payloads are loosely typed JSON
// objects; nothing about their shape is guaranteed.
type Body = map[string]interface{}

// TypeUnknown is returned when no candidate path carries an event type.
const TypeUnknown = "unknown"

var typePaths = [][]string{
	{"type"},
	{"event"},
	{"message", "type"},
	{"data", "type"},
	{"data", "event"},
}

var callIDPaths = [][]string{
	{"callId"},
	{"call", "id"},
	{"id"},
	{"data", "callId"},
	{"data", "call", "id"},
	{"message", "callId"},
	{"message", "call", "id"},
}

// transcriptRoots are the nesting levels that may carry a transcript,
// either as an object with a "text" field or as a raw string.
var transcriptRoots = [][]string{
	{},
	{"data"},
	{"message"},
	{"artifact"},
	{"message", "artifact"},
}

var controlURLPaths = [][]string{
	{"call", "monitor", "controlUrl"},
	{"message", "call", "monitor", "controlUrl"},
	{"monitor", "controlUrl"},
	{"message", "monitor", "controlUrl"},
}

var statusPaths = [][]string{
	{"call", "status"},
	{"message", "call", "status"},
	{"message", "status"},
	{"status"},
}

var timestampPaths = [][]string{
	{"message", "timestamp"},
	{"timestamp"},
	{"ts"},
}

// endedStatuses are the provider statuses treated as call-over, including
// both spellings of canceled.
var endedStatuses = map[string]bool{
	"ended":     true,
	"completed": true,
	"finished":  true,
	"canceled":  true,
	"cancelled": true,
	"failed":    true,
}

// terminalStatuses are the statuses that confirm a termination request took
// effect. Narrower than endedStatuses on purpose: a failed or canceled call
// did not end because we asked it to.
var terminalStatuses = map[string]bool{
	"ended":     true,
	"completed": true,
	"finished":  true,
}

// dig walks a path of object keys and returns the value at the end, or nil
// if any step is missing or not an object.
func dig(body Body, path []string) interface{} {
	var cur interface{} = body
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

// digString returns the string at path, or "" when absent or not a string.
func digString(body Body, path []string) string {
	s, _ := dig(body, path).(string)
	return s
}

// firstString returns the first non-empty string among the candidate paths.
func firstString(body Body, paths [][]string) string {
	for _, p := range paths {
		if s := digString(body, p); s != "" {
			return s
		}
	}
	return ""
}

// Type extracts the event type, falling back to TypeUnknown.
func Type(body Body) string {
	if s := firstString(body, typePaths); s != "" {
		return s
	}
	return TypeUnknown
}

// CallID extracts the provider-assigned call identifier, or "".
func CallID(body Body) string {
	return firstString(body, callIDPaths)
}

// TranscriptText extracts transcript text from any of the known nesting
// levels. At each level the transcript may be an object carrying a "text"
// field or a plain string.
func TranscriptText(body Body) string {
	for _, root := range transcriptRoots {
		node := dig(body, append(append([]string{}, root...), "transcript"))
		switch t := node.(type) {
		case map[string]interface{}:
			if s, _ := t["text"].(string); s != "" {
				return s
			}
		case string:
			if t != "" {
				return t
			}
		}
	}
	return ""
}

// ControlURL extracts and normalizes the per-call control endpoint, or "".
func ControlURL(body Body) string {
	return NormalizeControlURL(firstString(body, controlURLPaths))
}

// NormalizeControlURL trims whitespace and strips a single pair of angle
// brackets; provider documentation sometimes wraps URLs as <https://...>.
func NormalizeControlURL(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	return s
}

// Status extracts the call status field, lowercased, or "".
func Status(body Body) string {
	return strings.ToLower(strings.TrimSpace(firstString(body, statusPaths)))
}

// Ended reports whether the payload signals that the call is over, either
// through its event type or through an ended-like status.
func Ended(body Body) bool {
	if strings.Contains(strings.ToLower(Type(body)), "ended") {
		return true
	}
	return IsEndedStatus(Status(body))
}

// IsEndedStatus reports whether a status string means the call is over.
func IsEndedStatus(status string) bool {
	return endedStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// IsTerminalStatus reports whether a status string confirms an orderly
// termination (the confirm poll after an end-call command and the status
// endpoint's ended flag both use this narrower set).
func IsTerminalStatus(status string) bool {
	return terminalStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// IsProgressType reports whether an event type indicates the call is
// underway. Some provider shapes never emit an explicit "started", so
// anything that implies two-way traffic counts.
func IsProgressType(eventType string) bool {
	t := strings.ToLower(strings.TrimSpace(eventType))
	switch t {
	case "status-update", "conversation-update", "transcript", "speech-update":
		return true
	}
	return strings.Contains(t, "started") || strings.Contains(t, "speech")
}

// TimestampMillis extracts a millisecond epoch timestamp, or 0. The provider
// sends timestamps as JSON numbers and occasionally as numeric strings.
func TimestampMillis(body Body) int64 {
	for _, p := range timestampPaths {
		if ms := asMillis(dig(body, p)); ms > 0 {
			return ms
		}
	}
	return 0
}

func asMillis(v interface{}) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case string:
		if ms, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return ms
		}
	}
	return 0
}
