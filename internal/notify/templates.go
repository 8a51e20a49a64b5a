package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/servereye/internal/models"
)

// rendered is a fully expanded message ready to hand to a channel.
type rendered struct {
	Subject string
	Text    string
	HTML    string
}

type template struct {
	subject string
	text    string
}

// Per-type message templates. Placeholders use {{name}} and are filled from
// the alert plus the caller-supplied metadata.
var templates = map[models.AlertType]template{
	models.AlertTypeHighCPU: {
		subject: "High CPU usage on {{targetName}}",
		text:    "CPU usage on {{targetName}} is at {{value}}%.\n\n{{message}}",
	},
	models.AlertTypeHighMemory: {
		subject: "High memory usage on {{targetName}}",
		text:    "Memory usage on {{targetName}} is at {{value}}%.\n\n{{message}}",
	},
	models.AlertTypeHighDisk: {
		subject: "High disk usage on {{targetName}}",
		text:    "Disk usage on {{targetName}} is at {{value}}%.\n\n{{message}}",
	},
	models.AlertTypeServerDown: {
		subject: "Server {{targetName}} is unreachable",
		text:    "Server {{targetName}} stopped responding to connection checks.\n\n{{message}}",
	},
	models.AlertTypeServiceDown: {
		subject: "Service {{serviceName}} is down",
		text:    "Service {{serviceName}} is failing its health checks.\n\n{{message}}",
	},
	models.AlertTypeHealthFailed: {
		subject: "Health check failed for {{serviceName}}",
		text:    "The health check for {{serviceName}} did not pass.\n\n{{message}}",
	},
}

var fallbackTemplate = template{
	subject: "{{title}}",
	text:    "{{message}}",
}

// render expands the alert's template with its metadata. Unknown alert types
// fall back to the alert's own title and message.
func render(alert *models.Alert, metadata map[string]string) rendered {
	tpl, ok := templates[alert.Type]
	if !ok {
		tpl = fallbackTemplate
	}

	vars := map[string]string{
		"title":    alert.Title,
		"message":  alert.Message,
		"severity": string(alert.Severity),
		"type":     string(alert.Type),
		"time":     alert.CreatedAt.Format(time.RFC3339),
	}
	for k, v := range metadata {
		vars[k] = v
	}
	// Placeholders without a value render as "unknown" rather than leaking
	// the raw {{name}} into a message.
	for _, name := range []string{"targetName", "serviceName", "value"} {
		if _, ok := vars[name]; !ok {
			vars[name] = "unknown"
		}
	}

	return rendered{
		Subject: expand(tpl.subject, vars),
		Text:    expand(tpl.text, vars),
		HTML:    renderHTML(alert, expand(tpl.text, vars)),
	}
}

func expand(s string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(s)
}

func renderHTML(alert *models.Alert, body string) string {
	return fmt.Sprintf(`<div style="font-family:sans-serif">
<h2 style="color:%s">%s</h2>
<p>%s</p>
<table cellpadding="4">
<tr><td><b>Severity</b></td><td>%s</td></tr>
<tr><td><b>Type</b></td><td>%s</td></tr>
<tr><td><b>Raised</b></td><td>%s</td></tr>
</table>
</div>`,
		severityColor(alert.Severity),
		alert.Title,
		strings.ReplaceAll(body, "\n", "<br>"),
		alert.Severity,
		alert.Type,
		alert.CreatedAt.Format(time.RFC3339))
}

func severityColor(severity models.AlertSeverity) string {
	switch severity {
	case models.AlertSeverityCritical:
		return "#ff0000"
	case models.AlertSeverityHigh:
		return "#ffcc00"
	case models.AlertSeverityMedium:
		return "#ffa500"
	case models.AlertSeverityLow:
		return "#36a64f"
	default:
		return "#808080"
	}
}
