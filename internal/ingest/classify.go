package ingest

import "strings"

// transient classifies a write failure as retryable transport noise versus
// a permanent failure that should fail fast, per spec.md §4.4: connection
// reset, broken pipe, connect timeout, refused, "socket hang up".
func transient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())

	for _, marker := range []string{
		"connection reset",
		"broken pipe",
		"connect: connection timed out",
		"i/o timeout",
		"connection refused",
		"socket hang up",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
