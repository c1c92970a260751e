package notification

import (
	"bytes"
	"strconv"
	"text/template"
	"time"

	"github.com/birdhub/birdhub/internal/errors"
	"github.com/birdhub/birdhub/internal/fanout"
)

// Default message templates
const (
	DefaultTitleTemplate = `{{if .Prefix}}[{{.Prefix}}] {{end}}{{.CommonName}} detected at {{.Station}}`
	DefaultBodyTemplate  = `{{.CommonName}} ({{.ScientificName}}) was detected at {{.Station}} ` +
		`on {{.DetectionDate}} at {{.DetectionTime}} UTC with {{.ConfidencePercent}}% confidence.`
)

// TemplateData is the data available to notification templates
type TemplateData struct {
	Prefix            string
	CommonName        string
	ScientificName    string
	ConfidencePercent string
	DetectionTime     string
	DetectionDate     string
	Station           string
	StationID         string
	DetectionID       string
}

// NewTemplateData flattens a job payload for templates
func NewTemplateData(job fanout.NotificationJob, prefix string) *TemplateData {
	p := job.Payload
	ts := p.Timestamp.UTC()
	station := p.StationDisplayName
	if station == "" {
		station = p.StationID
	}
	return &TemplateData{
		Prefix:            prefix,
		CommonName:        p.SpeciesCommonName,
		ScientificName:    p.ScientificName,
		ConfidencePercent: strconv.Itoa(p.ConfidencePercent),
		DetectionTime:     ts.Format(time.TimeOnly),
		DetectionDate:     ts.Format(time.DateOnly),
		Station:           station,
		StationID:         p.StationID,
		DetectionID:       strconv.FormatUint(p.DetectionID, 10),
	}
}

// Message is a rendered notification
type Message struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Renderer turns jobs into messages with pre-compiled templates
type Renderer struct {
	prefix string
	title  *template.Template
	body   *template.Template
}

// NewRenderer compiles the templates. Empty templates use the defaults.
func NewRenderer(prefix, titleTmpl, bodyTmpl string) (*Renderer, error) {
	if titleTmpl == "" {
		titleTmpl = DefaultTitleTemplate
	}
	if bodyTmpl == "" {
		bodyTmpl = DefaultBodyTemplate
	}
	title, err := template.New("title").Option("missingkey=error").Parse(titleTmpl)
	if err != nil {
		return nil, errors.New(err).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("template", "title").
			Build()
	}
	body, err := template.New("body").Option("missingkey=error").Parse(bodyTmpl)
	if err != nil {
		return nil, errors.New(err).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("template", "body").
			Build()
	}
	return &Renderer{prefix: prefix, title: title, body: body}, nil
}

// Render builds the message for a job. A template that fails at execution
// time falls back to a plain summary.
func (r *Renderer) Render(job fanout.NotificationJob) Message {
	data := NewTemplateData(job, r.prefix)
	title, err := execute(r.title, data)
	if err != nil {
		title = data.CommonName + " detected"
	}
	body, err := execute(r.body, data)
	if err != nil {
		body = data.CommonName + " (" + data.ConfidencePercent + "%) at " + data.Station
	}
	return Message{Title: title, Body: body}
}

func execute(t *template.Template, data *TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
