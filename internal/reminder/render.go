package reminder

import (
	"bytes"
	"fmt"
	"html"
	"text/template"
	"time"

	"github.com/garnizeh/nudge/internal/models"
)

const labelLayout = "Mon 2 Jan"

const dailyTmpl = `<b>Today, {{.Label}}</b>
{{- if .Items}}
Due today:
{{- range .Items}}
• {{esc .Title}}{{range .Tags}} #{{esc .}}{{end}}
{{- end}}
{{- else}}
Nothing due today.
{{- end}}
{{- if .Posts}}
Posts today:
{{- range .Posts}}
• {{esc .Title}}{{with .Platform}} ({{esc .}}){{end}}
{{- end}}
{{- end}}
{{- if .Inbox}}
Inbox: {{.Inbox}} to sort
{{- end}}`

const dayBeforeTmpl = `<b>Tomorrow, {{.Label}}</b>
{{- range .Items}}
• {{esc .Title}}{{range .Tags}} #{{esc .}}{{end}}
{{- end}}
{{- if .Posts}}
Posts:
{{- range .Posts}}
• {{esc .Title}}{{with .Platform}} ({{esc .}}){{end}}
{{- end}}
{{- end}}`

const itemTmpl = `⏰ <b>{{esc .Item.Title}}</b> is due at {{.Time}} ({{.Label}})`

const postTmpl = `📣 <b>{{esc .Post.Title}}</b> goes out{{with .Post.Platform}} on {{esc .}}{{end}} at {{.Time}} ({{.Label}})`

var templates = func() map[models.ReminderKind]*template.Template {
	funcs := template.FuncMap{"esc": html.EscapeString}
	parse := func(name, text string) *template.Template {
		return template.Must(template.New(name).Funcs(funcs).Parse(text))
	}
	return map[models.ReminderKind]*template.Template{
		models.KindDailyDigest:      parse("daily", dailyTmpl),
		models.KindDayBeforeDigest:  parse("day_before", dayBeforeTmpl),
		models.KindItemBeforeDue:    parse("item", itemTmpl),
		models.KindSocialBeforePost: parse("post", postTmpl),
	}
}()

type renderData struct {
	Occurrence
	Label string
	Time  string
}

// Render formats o as an HTML chat message in loc.
func Render(o Occurrence, loc *time.Location) (string, error) {
	tpl, ok := templates[o.Key.Kind]
	if !ok {
		return "", fmt.Errorf("no template for %s", o.Key.Kind)
	}

	data := renderData{Occurrence: o}
	switch o.Key.Kind {
	case models.KindItemBeforeDue, models.KindSocialBeforePost:
		if (o.Item == nil && o.Post == nil) || o.At.IsZero() {
			return "", fmt.Errorf("%s occurrence without subject", o.Key.Kind)
		}
		at := o.At.In(loc)
		data.Label = at.Format(labelLayout)
		data.Time = at.Format("15:04")
	default:
		d, err := time.ParseInLocation(dateLayout, o.Date, loc)
		if err != nil {
			return "", fmt.Errorf("digest date: %w", err)
		}
		data.Label = d.Format(labelLayout)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}
