package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"pulsewatch/internal/model"
)

const (
	telegramMaxLength = 4000
	escapedEllipsis   = `\.\.\.`
)

// TelegramConfig configures the Telegram Bot API.
type TelegramConfig struct {
	BotToken string
	APIURL   string // default https://api.telegram.org
}

// Telegram sends alerts via Telegram Bot API.
type Telegram struct {
	cfg  TelegramConfig
	opts Options
}

// NewTelegram creates a Telegram channel.
// BotToken: Bot API token from @BotFather
func NewTelegram(cfg TelegramConfig, opts Options) *Telegram {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	return &Telegram{cfg: cfg, opts: opts.withDefaults()}
}

func (t *Telegram) Name() model.ChannelName { return model.ChannelTelegram }

func (t *Telegram) IsConfigured(user *model.User) bool {
	return t.cfg.BotToken != "" && user != nil && strings.TrimSpace(user.TelegramChatID) != ""
}

func (t *Telegram) Send(ctx context.Context, user *model.User, msg string, _ *model.PersonalAlert, _ map[string]any) Result {
	if !t.IsConfigured(user) {
		return fail(CodeNotConfigured, "Telegram chat not linked or bot not configured")
	}
	text := telegramText(msg)
	if t.opts.MockMode {
		return mocked(t.opts.Log, model.ChannelTelegram, user.TelegramChatID, text)
	}
	return t.sendMessage(ctx, user.TelegramChatID, text)
}

func (t *Telegram) SendTest(ctx context.Context, user *model.User, msg string) Result {
	if !t.IsConfigured(user) {
		return fail(CodeNotConfigured, "Telegram chat not linked or bot not configured")
	}
	return t.sendMessage(ctx, user.TelegramChatID, telegramText(msg))
}

type telegramReply struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (t *Telegram) sendMessage(ctx context.Context, chatID, text string) Result {
	payload := map[string]interface{}{
		"chat_id":                  strings.TrimSpace(chatID),
		"text":                     text,
		"parse_mode":               "MarkdownV2",
		"disable_web_page_preview": true,
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.cfg.APIURL, t.cfg.BotToken)
	resp, err := postJSON(ctx, t.opts.Client, url, nil, payload)
	if err != nil {
		return providerFailure(fmt.Errorf("telegram: %w", err))
	}

	var reply telegramReply
	_ = json.Unmarshal(resp.Body, &reply)
	if resp.Status != http.StatusOK || !reply.OK {
		desc := reply.Description
		if desc == "" {
			desc = statusError(resp).Error()
		}
		t.opts.Log.Warn("telegram send failed", "chat_id", chatID, "status", resp.Status, "error", desc)
		// 400 "chat not found" and 403 "bot was blocked by the user"
		if resp.Status == http.StatusForbidden || strings.Contains(strings.ToLower(desc), "chat not found") {
			return fail(CodeInvalidRecipient, "telegram: "+desc)
		}
		return fail(CodeProviderError, "telegram: "+desc)
	}
	return ok(strconv.FormatInt(reply.Result.MessageID, 10))
}

// telegramText converts **bold** to MarkdownV2 bold, escapes everything
// else and truncates. Truncation inside a bold run closes the run so the
// entities stay balanced.
func telegramText(msg string) string {
	parts := strings.Split(msg, "**")
	// An even count means the last "**" has no partner; keep it literal.
	if n := len(parts); n%2 == 0 {
		parts[n-2] += "**" + parts[n-1]
		parts = parts[:n-1]
	}

	budget := telegramMaxLength - len(escapedEllipsis)
	var b strings.Builder
	used := 0
	for i, p := range parts {
		bold := i%2 == 1
		text := []rune(escapeMarkdown(p))
		if bold && len(text) == 0 {
			continue
		}
		extra := 0
		if bold {
			extra = 2
		}
		if used+len(text)+extra > budget {
			if room := budget - used - extra; room > 0 {
				if cut := trimEscape(text[:room]); len(cut) > 0 {
					writeRun(&b, string(cut), bold)
				}
			}
			b.WriteString(escapedEllipsis)
			return b.String()
		}
		writeRun(&b, string(text), bold)
		used += len(text) + extra
	}
	return b.String()
}

func writeRun(b *strings.Builder, s string, bold bool) {
	if bold {
		b.WriteString("*" + s + "*")
		return
	}
	b.WriteString(s)
}

// trimEscape drops a trailing backslash that would escape whatever follows.
func trimEscape(r []rune) []rune {
	n := 0
	for i := len(r) - 1; i >= 0 && r[i] == '\\'; i-- {
		n++
	}
	if n%2 == 1 {
		r = r[:len(r)-1]
	}
	return r
}

// escapeMarkdown escapes special characters for Telegram MarkdownV2.
func escapeMarkdown(s string) string {
	specials := []byte{'_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!', '\\'}
	var buf bytes.Buffer
	for i := 0; i < len(s); i++ {
		for _, sp := range specials {
			if s[i] == sp {
				buf.WriteByte('\\')
				break
			}
		}
		buf.WriteByte(s[i])
	}
	return buf.String()
}
