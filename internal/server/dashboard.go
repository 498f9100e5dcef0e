package server

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"go.uber.org/zap"

	"github.com/attribution-goat/attribution-goat/internal/stats"
)

var dashboardTmpl = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"pct":   func(f float64) string { return formatPercentage(f * 100) },
	"money": func(f float64) string { return fmt.Sprintf("%.2f", f) },
}).Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<title>Attribution results</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; color: #222; }
table { border-collapse: collapse; }
th, td { padding: .4rem .8rem; border-bottom: 1px solid #ddd; text-align: right; }
th:first-child, td:first-child { text-align: left; }
.lead { font-weight: 600; }
</style>
</head>
<body>
<h1>Attribution results{{if .APIKey}} for {{.APIKey}}{{end}}</h1>
<p>{{.Summary.Conversions}} conversions, {{money .Summary.Revenue}} revenue, {{.Summary.Unattributed}} unattributed.</p>
{{if .Summary.Variations}}
<table>
<tr><th>Variation</th><th>Conversions</th><th>Visitors</th><th>Revenue</th><th>AOV</th><th>Share</th><th>95% CI</th></tr>
{{range .Summary.Variations}}
<tr{{if eq .VariationID $.Summary.Leading}} class="lead"{{end}}>
<td>{{.VariationID}}</td><td>{{.Conversions}}</td><td>{{.Visitors}}</td><td>{{money .Revenue}}</td><td>{{money .AOV}}</td><td>{{pct .Share}}</td><td>{{pct .ShareLower}} to {{pct .ShareUpper}}</td>
</tr>
{{end}}
</table>
<p>{{if .Summary.Confident}}{{.Summary.Leading}} leads with {{pct .Summary.LeadConfidence}} confidence.{{else}}No significant leader yet ({{pct .Summary.LeadConfidence}}).{{end}}</p>
{{else}}
<p>No attributed conversions yet.</p>
{{end}}
<p><a href="/dashboard?logout=1">Log out</a></p>
</body>
</html>`))

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("logout") == "1" {
		http.SetCookie(w, &http.Cookie{
			Name:   tokenCookieName,
			Value:  "",
			Path:   "/",
			MaxAge: -1,
		})
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "Logged out")
		return
	}

	sum, err := s.summarize(r)
	if err != nil {
		s.logger.Error("failed to load stats", zap.Error(err))
		http.Error(w, "Failed to load stats", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	data := struct {
		APIKey  string
		Summary *stats.Summary
	}{r.URL.Query().Get("apiKey"), sum}
	if err := dashboardTmpl.Execute(&buf, data); err != nil {
		s.logger.Error("failed to render dashboard", zap.Error(err))
		http.Error(w, "Failed to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func formatPercentage(p float64) string {
	if p < 0.01 {
		return "0%"
	}
	return fmt.Sprintf("%.1f%%", p)
}
