// Package report renders asset analysis results as standalone HTML files.
package report

import (
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"

	"github.com/thiago95macedo/sigmatrader/broker"
)

const topListSize = 10

var pageTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"rank":   func(i int) int { return i + 1 },
	"payout": formatPayout,
}).Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Asset analysis: {{.Segment}}</title>
<style>
body { font-family: Arial, Helvetica, sans-serif; margin: 2em; color: #222; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; margin-top: 1em; }
th, td { border: 1px solid #ccc; padding: 6px 12px; text-align: left; }
th { background: #f0f0f0; }
.otc { color: #b36b00; }
.summary { margin-top: 0.5em; color: #555; }
</style>
</head>
<body>
<h1>Asset analysis: {{.Segment}} segment</h1>
<p class="summary">
Generated {{.GeneratedAt}} · {{.Total}} open instruments{{if .MinPayout}} · minimum payout {{.MinPayout}}%{{end}}
</p>

<h2>Top {{len .Top}}</h2>
<table>
<tr><th>#</th><th>Symbol</th><th>Payout</th><th>Market</th></tr>
{{range $i, $q := .Top}}
<tr>
<td>{{rank $i}}</td>
<td{{if $q.OTC}} class="otc"{{end}}>{{$q.Symbol}}</td>
<td>{{payout $q}}</td>
<td>{{if $q.OTC}}OTC{{else}}regular{{end}}</td>
</tr>
{{end}}
</table>

<h2>All instruments</h2>
<table>
<tr><th>#</th><th>Symbol</th><th>Payout</th><th>Market</th></tr>
{{range $i, $q := .All}}
<tr>
<td>{{rank $i}}</td>
<td{{if $q.OTC}} class="otc"{{end}}>{{$q.Symbol}}</td>
<td>{{payout $q}}</td>
<td>{{if $q.OTC}}OTC{{else}}regular{{end}}</td>
</tr>
{{end}}
</table>
</body>
</html>
`))

type pageData struct {
	Segment     broker.MarketSegment
	GeneratedAt string
	Total       int
	MinPayout   int
	Top         []broker.AssetQuote
	All         []broker.AssetQuote
}

func formatPayout(q broker.AssetQuote) string {
	if q.Payout == nil {
		return "n/a"
	}
	return fmt.Sprintf("%d%%", *q.Payout)
}

// Write renders the ranked quote list into dir and returns the file path.
// The file name carries the segment, the payout filter when set and a
// timestamp, so successive runs never overwrite each other.
func Write(dir string, segment broker.MarketSegment, minPayout int, quotes []broker.AssetQuote, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("report: create dir %s: %w", dir, err)
	}

	name := fmt.Sprintf("analysis_%s", segment)
	if minPayout > 0 {
		name += fmt.Sprintf("_payout%d", minPayout)
	}
	name += fmt.Sprintf("_%s.html", now.Format("20060102-150405"))
	path := filepath.Join(dir, name)

	top := quotes
	if len(top) > topListSize {
		top = top[:topListSize]
	}

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("report: create %s: %w", path, err)
	}
	defer file.Close()

	data := pageData{
		Segment:     segment,
		GeneratedAt: now.Format("2006-01-02 15:04:05"),
		Total:       len(quotes),
		MinPayout:   minPayout,
		Top:         top,
		All:         quotes,
	}
	if err := pageTemplate.Execute(file, data); err != nil {
		return "", fmt.Errorf("report: render %s: %w", path, err)
	}
	return path, nil
}
