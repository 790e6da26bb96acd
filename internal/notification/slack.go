package notification

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"pulsewatch/internal/model"
)

const slackSectionMax = 3000

// Slack posts Block Kit messages to each user's incoming webhook.
type Slack struct {
	opts Options
	now  func() time.Time
}

// NewSlack creates the Slack channel.
func NewSlack(opts Options) *Slack {
	return &Slack{opts: opts.withDefaults(), now: time.Now}
}

func (s *Slack) Name() model.ChannelName { return model.ChannelSlack }

func (s *Slack) IsConfigured(user *model.User) bool {
	if user == nil || user.SlackWebhookURL == "" {
		return false
	}
	u, err := url.Parse(user.SlackWebhookURL)
	return err == nil && (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func (s *Slack) Send(ctx context.Context, user *model.User, msg string, alert *model.PersonalAlert, _ map[string]any) Result {
	if !s.IsConfigured(user) {
		return fail(CodeNotConfigured, "Slack webhook URL not configured")
	}
	payload := s.message(msg, alert)
	if s.opts.MockMode {
		return mocked(s.opts.Log, model.ChannelSlack, user.SlackWebhookURL, payload.Text)
	}
	return s.post(ctx, user.SlackWebhookURL, payload)
}

func (s *Slack) SendTest(ctx context.Context, user *model.User, msg string) Result {
	if !s.IsConfigured(user) {
		return fail(CodeNotConfigured, "Slack webhook URL not configured")
	}
	return s.post(ctx, user.SlackWebhookURL, s.message(msg, nil))
}

// post succeeds only when Slack answers with the literal body "ok".
func (s *Slack) post(ctx context.Context, webhook string, payload *slack.WebhookMessage) Result {
	resp, err := postJSON(ctx, s.opts.Client, webhook, nil, payload)
	if err != nil {
		return providerFailure(fmt.Errorf("slack: %w", err))
	}
	if body := strings.TrimSpace(string(resp.Body)); body != "ok" {
		s.opts.Log.Warn("slack webhook rejected message", "status", resp.Status, "body", body)
		switch body {
		case "no_service", "invalid_token", "no_team", "channel_not_found", "channel_is_archived":
			return fail(CodeInvalidRecipient, "slack: "+body)
		}
		return fail(CodeProviderError, "slack: "+statusError(resp).Error())
	}
	return ok("")
}

// message builds header, body, context and action blocks. alert may be nil.
func (s *Slack) message(msg string, alert *model.PersonalAlert) *slack.WebhookMessage {
	title, body := splitTitle(msg)
	if title == "" {
		title = "Pulsewatch alert"
	}
	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, truncate(title, 150), true, false)),
	}
	if body != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, truncate(boldAs(body, "*"), slackSectionMax), false, false),
			nil, nil,
		))
	}

	meta := []slack.MixedElement{}
	if alert != nil {
		meta = append(meta,
			slack.NewTextBlockObject(slack.MarkdownType, "*Type:* "+alert.Type.DisplayName(), false, false),
			slack.NewTextBlockObject(slack.MarkdownType, "*Asset:* "+alert.Asset, false, false),
		)
	}
	meta = append(meta, slack.NewTextBlockObject(slack.MarkdownType,
		"*Time:* "+s.now().UTC().Format("2006-01-02 15:04 UTC"), false, false))
	blocks = append(blocks, slack.NewContextBlock("alert_context", meta...))

	if link := alertLink(s.opts.BaseURL, alert); link != "" {
		btn := slack.NewButtonBlockElement("view_alert", itoa(alert.ID),
			slack.NewTextBlockObject(slack.PlainTextType, "View alert", false, false))
		btn.URL = link
		blocks = append(blocks, slack.NewActionBlock("alert_actions", btn))
	}

	return &slack.WebhookMessage{
		Text:   stripBold(title),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}
