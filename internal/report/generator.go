package report

import (
	"bytes"
	"fmt"
	"html/template"
	"sort"
	"time"

	"github.com/servereye/internal/models"
	"gorm.io/gorm"
)

// Data is one aggregated reporting window across the fleet.
type Data struct {
	StartTime time.Time
	EndTime   time.Time
	Targets   []TargetSummary
	Alerts    AlertSummary
}

// TargetSummary aggregates a target's samples over the window.
type TargetSummary struct {
	TargetID   uint
	TargetName string
	Samples    int64
	CPUAvg     float64
	CPUMax     float64
	MemoryAvg  float64
	DiskAvg    float64
	AlertCount int64
}

type AlertSummary struct {
	Total    int64
	Critical int64
	High     int64
	Resolved int64
	ByType   []TypeCount
}

type TypeCount struct {
	Type  models.AlertType
	Count int64
}

// Generator builds fleet usage and alert reports from persisted samples.
type Generator struct {
	db  *gorm.DB
	tpl *template.Template
}

func NewGenerator(db *gorm.DB) *Generator {
	return &Generator{
		db:  db,
		tpl: template.Must(template.New("report").Parse(reportHTML)),
	}
}

// Generate aggregates the window. Targets with no samples still appear so a
// silent host is visible in the report.
func (g *Generator) Generate(start, end time.Time) (*Data, error) {
	data := &Data{StartTime: start, EndTime: end}

	var targets []models.Target
	if err := g.db.Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}

	for _, target := range targets {
		summary := TargetSummary{TargetID: target.ID, TargetName: target.Name}

		row := struct {
			Samples int64
			CPUAvg  float64
			CPUMax  float64
			MemAvg  float64
			DiskAvg float64
		}{}
		err := g.db.Model(&models.MetricSample{}).
			Select("count(*) as samples, avg(cpu_usage) as cpu_avg, max(cpu_usage) as cpu_max, "+
				"avg(memory_usage) as mem_avg, avg(disk_usage) as disk_avg").
			Where("target_id = ? AND timestamp BETWEEN ? AND ?", target.ID, start, end).
			Scan(&row).Error
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate samples: %w", err)
		}
		summary.Samples = row.Samples
		summary.CPUAvg = row.CPUAvg
		summary.CPUMax = row.CPUMax
		summary.MemoryAvg = row.MemAvg
		summary.DiskAvg = row.DiskAvg

		err = g.db.Model(&models.Alert{}).
			Where("target_id = ? AND created_at BETWEEN ? AND ?", target.ID, start, end).
			Count(&summary.AlertCount).Error
		if err != nil {
			return nil, fmt.Errorf("failed to count alerts: %w", err)
		}

		data.Targets = append(data.Targets, summary)
	}

	// Busiest targets first.
	sort.Slice(data.Targets, func(i, j int) bool {
		if data.Targets[i].AlertCount != data.Targets[j].AlertCount {
			return data.Targets[i].AlertCount > data.Targets[j].AlertCount
		}
		return data.Targets[i].CPUAvg > data.Targets[j].CPUAvg
	})

	if err := g.summarizeAlerts(data, start, end); err != nil {
		return nil, err
	}
	return data, nil
}

func (g *Generator) summarizeAlerts(data *Data, start, end time.Time) error {
	window := g.db.Model(&models.Alert{}).
		Where("created_at BETWEEN ? AND ?", start, end)

	if err := window.Count(&data.Alerts.Total).Error; err != nil {
		return fmt.Errorf("failed to count alerts: %w", err)
	}
	for severity, dst := range map[models.AlertSeverity]*int64{
		models.AlertSeverityCritical: &data.Alerts.Critical,
		models.AlertSeverityHigh:     &data.Alerts.High,
	} {
		err := g.db.Model(&models.Alert{}).
			Where("created_at BETWEEN ? AND ? AND severity = ?", start, end, severity).
			Count(dst).Error
		if err != nil {
			return fmt.Errorf("failed to count alerts: %w", err)
		}
	}
	err := g.db.Model(&models.Alert{}).
		Where("created_at BETWEEN ? AND ? AND status = ?", start, end, models.AlertStatusResolved).
		Count(&data.Alerts.Resolved).Error
	if err != nil {
		return fmt.Errorf("failed to count alerts: %w", err)
	}

	var counts []TypeCount
	err = g.db.Model(&models.Alert{}).
		Select("type, count(*) as count").
		Where("created_at BETWEEN ? AND ?", start, end).
		Group("type").Order("count DESC").
		Scan(&counts).Error
	if err != nil {
		return fmt.Errorf("failed to group alerts: %w", err)
	}
	data.Alerts.ByType = counts
	return nil
}

// RenderHTML produces the report as a self-contained HTML document.
func (g *Generator) RenderHTML(data *Data) (string, error) {
	var buf bytes.Buffer
	if err := g.tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render report: %w", err)
	}
	return buf.String(), nil
}

const reportHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Fleet report</title></head>
<body style="font-family:sans-serif">
<h1>Fleet report</h1>
<p>{{.StartTime.Format "2006-01-02 15:04"}} to {{.EndTime.Format "2006-01-02 15:04"}}</p>

<h2>Alerts</h2>
<p>{{.Alerts.Total}} raised ({{.Alerts.Critical}} critical, {{.Alerts.High}} high), {{.Alerts.Resolved}} resolved.</p>
{{if .Alerts.ByType}}
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Type</th><th>Count</th></tr>
{{range .Alerts.ByType}}<tr><td>{{.Type}}</td><td>{{.Count}}</td></tr>
{{end}}</table>
{{end}}

<h2>Targets</h2>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Target</th><th>Samples</th><th>CPU avg</th><th>CPU max</th><th>Memory avg</th><th>Disk avg</th><th>Alerts</th></tr>
{{range .Targets}}<tr>
<td>{{.TargetName}}</td>
<td>{{.Samples}}</td>
<td>{{printf "%.1f%%" .CPUAvg}}</td>
<td>{{printf "%.1f%%" .CPUMax}}</td>
<td>{{printf "%.1f%%" .MemoryAvg}}</td>
<td>{{printf "%.1f%%" .DiskAvg}}</td>
<td>{{.AlertCount}}</td>
</tr>
{{end}}</table>
</body>
</html>`
