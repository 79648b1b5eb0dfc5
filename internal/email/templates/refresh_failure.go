// internal/email/templates/refresh_failure.go
package templates

import (
	_ "embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed refresh_failure.html
var refreshFailureHTML string

var refreshFailureTmpl = template.Must(template.New("refresh_failure").Parse(refreshFailureHTML))

type RefreshFailureData struct {
	Service     string
	FailedAt    string
	Tables      int
	Records     int
	Attachments int
	ErrorCount  int
	FatalError  string
	Year        int
}

func RenderRefreshFailureEmail(data RefreshFailureData) (string, error) {
	if data.Year == 0 {
		data.Year = time.Now().Year()
	}
	if data.Service == "" {
		data.Service = "mirror-service"
	}
	if data.FailedAt == "" {
		data.FailedAt = time.Now().UTC().Format(time.RFC3339)
	}

	var buf strings.Builder
	if err := refreshFailureTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render refresh_failure: %w", err)
	}
	return buf.String(), nil
}
