// Package notify mails run reports to the configured recipients. Only
// failed runs produce mail. Composing the message is separate from the SMTP
// delivery so the content stays testable without a mail server.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/jordan-wright/email"
	"github.com/rotisserie/eris"

	"github.com/gantryci/gantry/pkg/config"
	"github.com/gantryci/gantry/pkg/glog"
	"github.com/gantryci/gantry/pkg/matrix"
	"github.com/gantryci/gantry/pkg/registry"
)

const failureTemplate = `Workflow {{.Workflow}} failed.

Run:      {{.ID}}
Trigger:  {{.Trigger}}{{if .Ref}} ({{.Ref}}){{end}}
Started:  {{.Started}}
Duration: {{.Duration}}

Failed jobs:
{{range .Failed}}  * {{.Name}}{{if .Label}} {{.Label}}{{end}}
{{- range .Steps}}
      - {{.Name}}: {{.Error}}
{{- end}}
{{end}}`

var failureText = template.Must(template.New("failure mail").Parse(failureTemplate))

type failedStep struct {
	Name  string
	Error string
}

type failedJob struct {
	Name  string
	Label string
	Steps []failedStep
}

type failureData struct {
	Workflow string
	ID       string
	Trigger  string
	Ref      string
	Started  string
	Duration string
	Failed   []failedJob
}

// Compose builds the failure mail for a run: the subject carries the
// workflow name, the body lists every failed job with its matrix label and
// the steps that broke it.
func Compose(cfg *config.Config, run *registry.Run) (*email.Email, error) {
	data := failureData{
		Workflow: run.Workflow,
		ID:       run.ID,
		Trigger:  run.Trigger,
		Ref:      run.Ref,
		Started:  run.StartedAt.Format(time.RFC1123),
		Duration: run.Duration().Round(time.Millisecond).String(),
	}

	for _, job := range run.Jobs {
		if job.Status != registry.StatusFailed {
			continue
		}

		failed := failedJob{
			Name:  job.Name,
			Label: matrix.Entry(job.Matrix).Label(),
		}

		for _, step := range job.Steps {
			if step.Status == registry.StatusFailed {
				failed.Steps = append(failed.Steps, failedStep{Name: step.Name, Error: step.Error})
			}
		}

		data.Failed = append(data.Failed, failed)
	}

	text := strings.Builder{}
	if err := failureText.Execute(&text, data); err != nil {
		return nil, eris.Wrap(err, "failed to execute failure mail template")
	}

	mail := email.NewEmail()
	mail.From = cfg.Mail.From
	mail.To = cfg.Mail.Notify
	mail.Subject = fmt.Sprintf("%s: %s", cfg.Mail.Failure.Subject, run.Workflow)
	mail.Text = []byte(text.String())

	return mail, nil
}

// Notifier sends failure mails based on the mail configuration.
type Notifier struct {
	cfg *config.Config
}

// New returns a notifier for the given configuration.
func New(cfg *config.Config) *Notifier {
	return &Notifier{cfg: cfg}
}

// Enabled reports whether failure mails are configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.Mail.Server != "" && len(n.cfg.Mail.Notify) > 0
}

// RunFinished sends a failure mail when the run failed and mail is
// configured. Passed and skipped runs stay quiet.
func (n *Notifier) RunFinished(ctx context.Context, run *registry.Run) error {
	if run.Status != registry.StatusFailed {
		return nil
	}

	if !n.Enabled() {
		glog.Log(ctx).Debug().Msg("No failure mail configured, skipping notification")
		return nil
	}

	glog.Log(ctx).Debug().Msgf("Sending failure mail for run %s", run.ID)

	mail, err := Compose(n.cfg, run)
	if err != nil {
		return err
	}

	auth := smtp.PlainAuth("", n.cfg.Mail.Username, n.cfg.Mail.Password, n.cfg.Mail.Server)
	addr := fmt.Sprintf("%s:%d", n.cfg.Mail.Server, n.cfg.Mail.Port)

	if n.cfg.Mail.Encryption == "STARTTLS" {
		err = mail.SendWithStartTLS(addr, auth, &tls.Config{
			ServerName: n.cfg.Mail.Server,
		})
	} else if n.cfg.Mail.Encryption == "SSL" {
		err = mail.SendWithTLS(addr, auth, &tls.Config{
			ServerName: n.cfg.Mail.Server,
		})
	} else {
		err = mail.Send(addr, auth)
	}

	if err != nil {
		return eris.Wrap(err, "failed to send mail")
	}

	glog.Log(ctx).Debug().Msg("Mail successfully sent")
	return nil
}
