package parser

import (
	"bytes"
	"html/template"
)

const baseStyles = `body{margin:0;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,sans-serif;background:#f8f9fa;color:#333;}
.header{padding:16px 24px;background:#fff;border-bottom:1px solid #e0e0e0;}
.header h2{margin:0;font-size:18px;font-weight:600;}
pre{white-space:pre-wrap;word-wrap:break-word;padding:20px;font-size:13px;line-height:1.6;}
.tabs{display:flex;background:#fff;border-bottom:2px solid #e0e0e0;padding:0 16px;}
.tab{padding:10px 20px;border:none;background:none;cursor:pointer;font-size:13px;color:#666;border-bottom:2px solid transparent;margin-bottom:-2px;}
.tab.active{color:#6c63ff;border-bottom-color:#6c63ff;font-weight:600;}
.sheet{padding:16px 24px;overflow-x:auto;}
table{border-collapse:collapse;width:100%;font-size:12px;background:#fff;}
th{background:#f5f5f5;font-weight:600;text-align:left;padding:8px 12px;border:1px solid #e0e0e0;white-space:nowrap;}
td{padding:6px 12px;border:1px solid #e8e8e8;vertical-align:top;max-width:400px;word-wrap:break-word;}
tr:nth-child(even){background:#fafafa;}
.empty{color:#999;font-style:italic;padding:24px;}`

var textView = template.Must(template.New("text").Parse(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>{{.Name}}</title>
<style>{{.Styles}}</style></head><body><div class="header"><h2>{{.Name}}</h2></div><pre>{{.Text}}</pre></body></html>`))

var tabbedView = template.Must(template.New("tabs").Parse(`<!DOCTYPE html><html><head><meta charset="utf-8"><title>{{.Name}}</title>
<style>{{.Styles}}</style></head><body><div class="header"><h2>{{.Name}}</h2></div>
<div class="tabs">{{range $i, $t := .Tables}}<button class="tab{{if eq $i 0}} active{{end}}" data-idx="{{$i}}" onclick="showTab({{$i}})">{{$t.Title}}</button>{{end}}</div>
{{range $i, $t := .Tables}}<div class="sheet" id="sheet-{{$i}}" style="display:{{if eq $i 0}}block{{else}}none{{end}}">
{{- if not $t.Rows}}<p class="empty">Empty sheet</p>{{else}}<table><thead><tr>{{range index $t.Rows 0}}<th>{{.}}</th>{{end}}</tr></thead><tbody>
{{- range $r, $row := $t.Rows}}{{if gt $r 0}}<tr>{{range $row}}<td>{{.}}</td>{{end}}</tr>{{end}}{{end}}</tbody></table>{{end}}</div>
{{end}}<script>function showTab(idx){document.querySelectorAll('.sheet').forEach(function(s){s.style.display='none'});
document.querySelectorAll('.tab').forEach(function(t){t.classList.remove('active')});
document.getElementById('sheet-'+idx).style.display='block';document.querySelectorAll('.tab')[idx].classList.add('active');}</script>
</body></html>`))

// Render builds the RENDERED_HTML view of a result: one tab per table when
// tables exist, otherwise the extracted text.
func Render(name string, res *Result) (string, error) {
	data := struct {
		Name   string
		Styles template.CSS
		Text   string
		Tables []Table
	}{Name: name, Styles: template.CSS(baseStyles), Text: res.Text, Tables: res.Tables}

	tmpl := textView
	if len(res.Tables) > 0 {
		tmpl = tabbedView
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
