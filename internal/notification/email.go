package notification

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"strings"
	"time"

	emailverifier "github.com/AfterShip/email-verifier"
	"github.com/go-mail/mail"

	"pulsewatch/internal/model"
)

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string
	Port     int // default 587
	Username string
	Password string
	From     string
	FromName string // default Pulsewatch
	Timeout  time.Duration
}

// mailSender is satisfied by *mail.Dialer.
type mailSender interface {
	DialAndSend(m ...*mail.Message) error
}

// Email sends multipart HTML and plain-text mail over SMTP.
type Email struct {
	cfg      EmailConfig
	opts     Options
	sender   mailSender
	verifier *emailverifier.Verifier
}

// NewEmail creates the email channel. Without a host every Send reports not_configured.
func NewEmail(cfg EmailConfig, opts Options) *Email {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.FromName == "" {
		cfg.FromName = "Pulsewatch"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultSendTimeout
	}
	e := &Email{cfg: cfg, opts: opts.withDefaults(), verifier: emailverifier.NewVerifier()}
	if cfg.Host != "" {
		d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
		d.Timeout = cfg.Timeout
		e.sender = d
	}
	return e
}

func (e *Email) Name() model.ChannelName { return model.ChannelEmail }

func (e *Email) IsConfigured(user *model.User) bool {
	return user != nil && user.Email != "" && e.verifier.ParseAddress(user.Email).Valid
}

func (e *Email) Send(ctx context.Context, user *model.User, msg string, alert *model.PersonalAlert, _ map[string]any) Result {
	if !e.IsConfigured(user) {
		return fail(CodeNotConfigured, "Email address missing or invalid")
	}
	if e.opts.MockMode {
		subject, _ := splitTitle(msg)
		return mocked(e.opts.Log, model.ChannelEmail, user.Email, subject)
	}
	return e.deliver(ctx, user, msg, alert)
}

func (e *Email) SendTest(ctx context.Context, user *model.User, msg string) Result {
	if !e.IsConfigured(user) {
		return fail(CodeNotConfigured, "Email address missing or invalid")
	}
	return e.deliver(ctx, user, msg, nil)
}

func (e *Email) deliver(ctx context.Context, user *model.User, msg string, alert *model.PersonalAlert) Result {
	if e.sender == nil {
		return fail(CodeNotConfigured, "SMTP server not configured")
	}
	m, err := e.message(user, msg, alert)
	if err != nil {
		return providerFailure(err)
	}

	// DialAndSend has no context; run it aside so cancellation is honored.
	done := make(chan error, 1)
	go func() { done <- e.sender.DialAndSend(m) }()
	select {
	case <-ctx.Done():
		return providerFailure(fmt.Errorf("email: %w", ctx.Err()))
	case err := <-done:
		if err != nil {
			e.opts.Log.Warn("email send failed", "to", user.Email, "error", err)
			return providerFailure(fmt.Errorf("email: %w", err))
		}
	}
	return ok("")
}

func (e *Email) message(user *model.User, msg string, alert *model.PersonalAlert) (*mail.Message, error) {
	subject, _ := splitTitle(msg)
	if subject == "" {
		subject = "Pulsewatch alert"
	}
	html, err := renderEmailHTML(subject, msg, alertLink(e.opts.BaseURL, alert))
	if err != nil {
		return nil, err
	}

	m := mail.NewMessage()
	m.SetAddressHeader("From", e.cfg.From, e.cfg.FromName)
	m.SetAddressHeader("To", user.Email, user.Name)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", stripBold(msg))
	m.AddAlternative("text/html", html)
	return m, nil
}

var emailTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Subject}}</title></head>
<body style="font-family:Arial,Helvetica,sans-serif;color:#1f2933;">
<div style="max-width:560px;margin:0 auto;padding:24px;">
<h2 style="margin-top:0;">{{.Subject}}</h2>
<p style="line-height:1.5;">{{.Body}}</p>
{{if .Link}}<p><a href="{{.Link}}" style="color:#2563eb;">View alert</a></p>{{end}}
<hr style="border:none;border-top:1px solid #e5e7eb;">
<p style="font-size:12px;color:#6b7280;">You receive this message because you created an alert in Pulsewatch.</p>
</div>
</body>
</html>`))

// renderEmailHTML escapes msg, then turns **x** into <strong> and newlines into <br>.
func renderEmailHTML(subject, msg, link string) (string, error) {
	body := template.HTMLEscapeString(strings.TrimSpace(msg))
	body = boldRe.ReplaceAllString(body, "<strong>$1</strong>")
	body = strings.ReplaceAll(body, "\n", "<br>\n")

	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, struct {
		Subject string
		Body    template.HTML
		Link    string
	}{subject, template.HTML(body), link})
	if err != nil {
		return "", fmt.Errorf("render email: %w", err)
	}
	return buf.String(), nil
}
