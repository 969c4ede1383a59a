// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"fieldhouse/api/internal/catalog"
	"fieldhouse/api/internal/content"
	"fieldhouse/api/internal/diff"
	"fieldhouse/api/internal/store"

	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendHTMLEmail sends an HTML email with a plain text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return errors.New("email has no recipients")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-fieldhouse"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// ChangeData feeds the publish and rollback notification template.
type ChangeData struct {
	SiteName   string
	Label      string
	ContentKey string
	Page       string
	Action     string
	Actor      string
	ChangedAt  string
	Changes    []diff.Change
	SiteURL    string
}

// Notifier emails configured recipients after content is published or rolled
// back. It satisfies content.Listener.
type Notifier struct {
	mail       *Service
	recipients []string
	catalog    *catalog.Catalog
	siteURL    string
	log        *zap.Logger
}

func NewNotifier(mail *Service, recipients []string, cat *catalog.Catalog, siteURL string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{mail: mail, recipients: recipients, catalog: cat, siteURL: siteURL, log: logger.Named("email")}
}

// Enabled reports whether there is anyone to notify and a server to send through.
func (n *Notifier) Enabled() bool {
	return n != nil && n.mail != nil && n.mail.IsConfigured() && len(n.recipients) > 0
}

// ContentChanged renders the notification and sends it in the background so
// a slow SMTP server never holds up a publish.
func (n *Notifier) ContentChanged(_ context.Context, change content.Change) error {
	if !n.Enabled() {
		return nil
	}
	subject, text, html, err := n.render(change)
	if err != nil {
		return err
	}
	recipients := append([]string(nil), n.recipients...)
	go func() {
		if err := n.mail.SendHTMLEmail(recipients, subject, text, html); err != nil {
			n.log.Warn("send change notification",
				zap.String("content_key", change.Record.Key),
				zap.Error(err),
			)
		}
	}()
	return nil
}

func (n *Notifier) render(change content.Change) (subject, text, html string, err error) {
	data := ChangeData{
		SiteName:   "League website",
		Label:      change.Record.Key,
		ContentKey: change.Record.Key,
		Page:       change.Record.Page,
		Action:     "published",
		Actor:      change.Actor,
		ChangedAt:  change.Record.UpdatedAt.UTC().Format(time.RFC1123),
		SiteURL:    n.siteURL,
	}
	if change.Reason == store.ReasonRollback {
		data.Action = "rolled back"
	}
	if n.catalog != nil {
		if entry, ok := n.catalog.Lookup(change.Record.Key); ok && entry.Label != "" {
			data.Label = entry.Label
		}
	}
	var before store.Value
	if change.Version != nil {
		before = change.Version.Value
	}
	data.Changes = diff.Values(before, change.Record.Value)

	subject = fmt.Sprintf("Website update: %s %s", data.Label, data.Action)
	text = fmt.Sprintf("%s was %s by %s on the %s page at %s.", data.Label, data.Action, data.Actor, data.Page, data.ChangedAt)
	html, err = renderTemplate(changeEmailTemplate, data)
	if err != nil {
		return "", "", "", fmt.Errorf("render change template: %w", err)
	}
	return subject, text, html, nil
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const changeEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Label}} {{.Action}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #1f7a3a; padding-bottom: 10px; margin-bottom: 20px; }
        .field { margin: 12px 0; }
        .before { background: #fdecea; padding: 8px; border-radius: 4px; }
        .after { background: #e8f5e9; padding: 8px; border-radius: 4px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.SiteName}}</h1>
    </div>

    <p><strong>{{.Label}}</strong> on the {{.Page}} page was {{.Action}} by {{.Actor}}.</p>
    <p>{{.ChangedAt}}</p>
    {{range .Changes}}
    <div class="field">
        <div>{{.Field}}</div>
        <div class="before">{{if .Before}}{{.Before}}{{else}}(empty){{end}}</div>
        <div class="after">{{if .After}}{{.After}}{{else}}(empty){{end}}</div>
    </div>
    {{end}}
    {{if .SiteURL}}<p><a href="{{.SiteURL}}">View the site</a></p>{{end}}

    <div class="footer">
        <p>You receive this because your address is on the website change list.</p>
    </div>
</body>
</html>`
