package nats

import (
	"strings"

	"github.com/nats-io/nats.go"
)

var subjectReplacer = strings.NewReplacer(
	" ", "_",
	",", "_",
	":", "_",
	"?", "_",
	"[", "_",
	"]", "_",
	"*", "_",
	">", "_",
)

// ToSubject converts a slash-separated destination to a NATS subject.
// Wildcard and other reserved characters are neutralised so a tenant's
// destination can never match more than itself.
func ToSubject(destination string) string {
	subject := strings.Trim(destination, "/")
	subject = subjectReplacer.Replace(subject)
	return strings.ReplaceAll(subject, "/", ".")
}

// ToDestination converts a NATS subject back to a slash-prefixed destination
func ToDestination(subject string) string {
	return "/" + strings.ReplaceAll(subject, ".", "/")
}

// ToHeader converts frame headers to NATS headers
func ToHeader(headers map[string]string) nats.Header {
	if len(headers) == 0 {
		return nil
	}
	h := nats.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return h
}

// FromHeader flattens NATS headers to their first value
func FromHeader(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
