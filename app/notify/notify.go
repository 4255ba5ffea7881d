// Package notify delivers terminal job notifications to webhooks and email.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"

	"github.com/modelops/trainwatch/app/reconcile"
)

// Notifier is the subset of go-pkgz/notify senders used by the service
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
}

// Params configures the notification service
type Params struct {
	Webhooks []string // webhook urls, each receives a json payload
	Emails   []string // email recipients
	From     string   // email from address
	SMTP     notify.SMTPParams
	Template string        // optional template file for the email body
	Timeout  time.Duration // per-destination send timeout
}

// Service fans out terminal job notifications to all configured destinations
type Service struct {
	Params
	webhook Notifier
	email   Notifier
}

// NewService creates the notification service, nil if no destinations configured
func NewService(p Params) *Service {
	if len(p.Webhooks) == 0 && len(p.Emails) == 0 {
		return nil
	}
	if p.Timeout == 0 {
		p.Timeout = 10 * time.Second
	}
	res := &Service{Params: p}
	if len(p.Webhooks) > 0 {
		res.webhook = notify.NewWebhook(notify.WebhookParams{
			Timeout: p.Timeout,
			Headers: []string{"Content-Type:application/json"},
		})
	}
	if len(p.Emails) > 0 {
		res.email = notify.NewEmail(p.SMTP)
	}
	return res
}

// Send delivers a notification about a finished job to every destination.
// Failed destinations don't block the rest, all errors are collected.
func (s *Service) Send(ctx context.Context, prev, cur reconcile.Record) error {
	log.Printf("[DEBUG] notify about job %s, %s -> %s", cur.JobID, prev.Status, cur.Status)

	var errs []error
	if s.webhook != nil {
		payload, err := webhookPayload(prev, cur)
		if err != nil {
			return fmt.Errorf("make webhook payload: %w", err)
		}
		for _, dest := range s.Webhooks {
			if err := s.webhook.Send(ctx, dest, payload); err != nil {
				errs = append(errs, fmt.Errorf("webhook %s: %w", dest, err))
			}
		}
	}

	if s.email != nil {
		body, err := s.emailBody(prev, cur)
		if err != nil {
			return fmt.Errorf("make email body: %w", err)
		}
		subj := fmt.Sprintf("training job %s %s", cur.JobID, cur.Status)
		if err := s.email.Send(ctx, s.mailtoDestination(subj), body); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}
	return errors.Join(errs...)
}

// mailtoDestination builds a mailto url with all recipients and the subject
func (s *Service) mailtoDestination(subj string) string {
	q := url.Values{}
	if s.From != "" {
		q.Set("from", s.From)
	}
	q.Set("subject", subj)
	return "mailto:" + strings.Join(s.Emails, ",") + "?" + q.Encode()
}

func webhookPayload(prev, cur reconcile.Record) (string, error) {
	data := struct {
		JobID        string    `json:"job_id"`
		Status       string    `json:"status"`
		PrevStatus   string    `json:"prev_status"`
		ModelName    string    `json:"model_name,omitempty"`
		CurrentEpoch int       `json:"current_epoch"`
		TotalEpochs  int       `json:"total_epochs"`
		FinishedAt   time.Time `json:"finished_at"`
	}{
		JobID:        cur.JobID,
		Status:       string(cur.Status),
		PrevStatus:   string(prev.Status),
		ModelName:    cur.ModelName,
		CurrentEpoch: cur.CurrentEpoch,
		TotalEpochs:  cur.TotalEpochs,
		FinishedAt:   time.Now(),
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(b), nil
}

// emailBody renders the html email, custom template file if set, built-in otherwise.
// A broken custom template falls back to the built-in one.
func (s *Service) emailBody(prev, cur reconcile.Record) (string, error) {
	data := struct {
		JobID      string
		Status     string
		PrevStatus string
		ModelName  string
		Epochs     string
		TS         time.Time
	}{
		JobID:      cur.JobID,
		Status:     string(cur.Status),
		PrevStatus: string(prev.Status),
		ModelName:  cur.ModelName,
		Epochs:     fmt.Sprintf("%d/%d", cur.CurrentEpoch, cur.TotalEpochs),
		TS:         time.Now(),
	}

	render := func(text string) (string, error) {
		t, err := template.New("msg").Parse(text)
		if err != nil {
			return "", fmt.Errorf("parse email template: %w", err)
		}
		buf := bytes.Buffer{}
		if err := t.Execute(&buf, data); err != nil {
			return "", fmt.Errorf("execute email template: %w", err)
		}
		return buf.String(), nil
	}

	if s.Template != "" {
		custom, err := os.ReadFile(s.Template)
		if err == nil {
			if res, renderErr := render(string(custom)); renderErr == nil {
				return res, nil
			}
			log.Printf("[WARN] custom template %s failed to render, falling back to default", s.Template)
		} else {
			log.Printf("[WARN] can't read custom template %s, falling back to default: %v", s.Template, err)
		}
	}
	return render(defaultEmailTmpl)
}

var defaultEmailTmpl = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			ul {
				margin-top: -0.5em;
				margin-left: -0.5em;
			}
			.bold {
				color: #882828;
				font-weight: 900;
			}
		</style>
	</head>

	<body>
		<p>Training job <span class="bold">{{.JobID}}</span> {{.Status}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<ul>
			<li>Model: <span class="bold">{{.ModelName}}</span></li>
			<li>Epochs: <span class="bold">{{.Epochs}}</span></li>
			<li>Previous status: <span class="bold">{{.PrevStatus}}</span></li>
		</ul>
	</body>
</html>
`
