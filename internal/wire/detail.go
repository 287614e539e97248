// Package wire holds helpers shared by the HTTP speaking packages.
package wire

import (
	"strings"

	"github.com/tidwall/gjson"
)

var detailPaths = []string{"error.message", "error_description", "message", "detail", "error"}

// ErrorDetail picks a human readable message out of a JSON error body, or
// returns "" when there is none.
func ErrorDetail(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range detailPaths {
		v := gjson.GetBytes(body, path)
		if v.Type == gjson.String && strings.TrimSpace(v.Str) != "" {
			return strings.TrimSpace(v.Str)
		}
	}
	return ""
}
