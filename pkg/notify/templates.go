package notify

import (
	"strings"
	"text/template"

	"github.com/3leaps/skywork/pkg/jobs"
)

// templateData is the parameter set every email template renders from.
// All strings come from configuration or the job record, never hard-coded
// prose about a particular deployment.
type templateData struct {
	UserName    string
	JobID       string
	AppURL      string
	ResultLinks []string
	ErrorDetail string
	Support     string
}

var packageTpl = template.Must(template.New("package").Parse(
	`{{if .UserName}}Hello {{.UserName}},

{{end}}Your packaging request (job {{.JobID}}) has completed.

Download your data:
{{range .ResultLinks}}  {{.}}
{{end}}
The download links remain valid until the job expires.

If you have questions, contact {{.Support}}.
`))

var scriptTpl = template.Must(template.New("script").Parse(
	`{{if .UserName}}Hello {{.UserName}},

{{end}}Your remote job {{.JobID}} has completed.

Results:
{{range .ResultLinks}}  {{.}}
{{end}}
If you have questions, contact {{.Support}}.
`))

var searchTpl = template.Must(template.New("search").Parse(
	`{{if .UserName}}Hello {{.UserName}},

{{end}}Your search (job {{.JobID}}) has completed.

View the results:
  {{.AppURL}}

If you have questions, contact {{.Support}}.
`))

var failureTpl = template.Must(template.New("failure").Parse(
	`{{if .UserName}}Hello {{.UserName}},

{{end}}Your job {{.JobID}} did not complete.

  {{.ErrorDetail}}

You may retry the request. If the problem persists, contact {{.Support}}.
`))

// templateFor selects the email template: any failed job gets the failure
// template regardless of type; otherwise the job type decides.
func templateFor(rec jobs.JobRecord) *template.Template {
	if rec.Error != nil {
		return failureTpl
	}
	switch rec.Type {
	case jobs.TypePackage:
		return packageTpl
	case jobs.TypeRemoteProxy:
		return scriptTpl
	default:
		return searchTpl
	}
}

// subjectFor builds the email subject line.
func subjectFor(rec jobs.JobRecord, appName string) string {
	if appName == "" {
		appName = "Background job"
	}
	status := "completed"
	if rec.Error != nil {
		status = "failed"
	}
	return appName + ": job " + rec.JobID + " " + status
}

// renderEmail produces the plain-text body for the record.
func renderEmail(rec jobs.JobRecord, cfg Config) (string, error) {
	data := templateData{
		UserName: rec.Params["user_name"],
		JobID:    rec.JobID,
		AppURL:   cfg.AppURL,
		Support:  cfg.SupportAddr,
	}
	for _, res := range rec.Results {
		data.ResultLinks = append(data.ResultLinks, res.Href)
	}
	if rec.Error != nil {
		data.ErrorDetail = rec.Error.Message
	}

	var sb strings.Builder
	if err := templateFor(rec).Execute(&sb, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}
