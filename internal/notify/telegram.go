package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// DefaultTelegramAPI is the Bot API base URL.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig configures the Telegram notifier.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	// WebURL, when set, adds a "View Details" button linking to the build.
	WebURL string
	// APIBase overrides DefaultTelegramAPI.
	APIBase string
}

// Telegram posts events to a chat through the Bot API. Approval requests carry
// inline approve and reject buttons whose callbacks come back through the
// webhook as "approve:<build_id>" or "reject:<build_id>".
type Telegram struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegram creates a Telegram notifier. The client's own timeout is not
// relied on; each call is bounded by its context.
func NewTelegram(cfg TelegramConfig, client *http.Client) *Telegram {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultTelegramAPI
	}
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Telegram{cfg: cfg, client: client}
}

// Configured reports whether a bot token and chat are set.
func (t *Telegram) Configured() bool {
	return t.cfg.BotToken != "" && t.cfg.ChatID != ""
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type sendMessage struct {
	ChatID      string       `json:"chat_id"`
	Text        string       `json:"text"`
	ParseMode   string       `json:"parse_mode"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

// Notify implements Notifier.
func (t *Telegram) Notify(ctx context.Context, e Event) error {
	if !t.Configured() {
		return nil
	}
	msg := sendMessage{ChatID: t.cfg.ChatID, Text: FormatMessage(e), ParseMode: "Markdown"}
	if e.Kind == EventApprovalRequested {
		msg.ReplyMarkup = t.approvalKeyboard(e.BuildID)
	}
	return t.call(ctx, "sendMessage", msg)
}

// AnswerCallback acknowledges an inline button press so the client stops
// showing a spinner.
func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if !t.Configured() || callbackID == "" {
		return nil
	}
	return t.call(ctx, "answerCallbackQuery", map[string]string{
		"callback_query_id": callbackID,
		"text":              text,
	})
}

func (t *Telegram) approvalKeyboard(buildID string) *replyMarkup {
	kb := &replyMarkup{InlineKeyboard: [][]inlineButton{{
		{Text: "✅ Approve", CallbackData: "approve:" + buildID},
		{Text: "❌ Reject", CallbackData: "reject:" + buildID},
	}}}
	if t.cfg.WebURL != "" {
		kb.InlineKeyboard = append(kb.InlineKeyboard, []inlineButton{
			{Text: "📋 View Details", URL: strings.TrimRight(t.cfg.WebURL, "/") + "/builds/" + buildID},
		})
	}
	return kb
}

func (t *Telegram) call(ctx context.Context, method string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", method, err)
	}
	url := fmt.Sprintf("%s/bot%s/%s", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.BotToken, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram %s: status %d: %s", method, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

// FormatMessage renders an event as Telegram Markdown.
func FormatMessage(e Event) string {
	var b strings.Builder
	switch e.Kind {
	case EventApprovalRequested:
		b.WriteString("🤖 *Ralph Loop - Approval Needed*\n\n")
	default:
		b.WriteString(kindEmoji(e.Kind) + " *Ralph Loop Update*\n\n")
	}
	fmt.Fprintf(&b, "*Project:* `%s`\n*Build:* `%s`\n", e.ProjectID, e.BuildID)
	if e.TaskID != "" {
		fmt.Fprintf(&b, "*Task:* `%s` (iteration %d)\n", e.TaskID, e.Iteration)
	}
	if e.TestsPassed != nil || e.LintPassed != nil {
		fmt.Fprintf(&b, "\nTests: %s\nLint: %s\n", passMark(e.TestsPassed), passMark(e.LintPassed))
	}
	if len(e.Reasons) > 0 {
		fmt.Fprintf(&b, "\n⚠️ *Reason:* %s\n", strings.Join(e.Reasons, "; "))
	}
	if len(e.ChangedFiles) > 0 {
		b.WriteString("\n📝 *Changed Files:*\n")
		writePreview(&b, e.ChangedFiles, 5, "  • ")
	}
	if len(e.Fixes) > 0 {
		b.WriteString("\n🔧 *Priority Fixes:*\n")
		writePreview(&b, e.Fixes, 3, "  - ")
	}
	if e.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", e.Message)
	}
	if e.Kind == EventApprovalRequested {
		b.WriteString("\n👆 *Action Required:* approve or reject this build to continue.")
	}
	return strings.TrimSpace(b.String())
}

func writePreview(b *strings.Builder, items []string, limit int, bullet string) {
	for i, it := range items {
		if i == limit {
			fmt.Fprintf(b, "  ... and %d more\n", len(items)-limit)
			break
		}
		b.WriteString(bullet + it + "\n")
	}
}

func passMark(p *bool) string {
	switch {
	case p == nil:
		return "n/a"
	case *p:
		return "✅ Passed"
	default:
		return "❌ Failed"
	}
}

func kindEmoji(k EventKind) string {
	switch k {
	case EventBuildIngested:
		return "📤"
	case EventInspectionSubmitted:
		return "🔍"
	case EventRevisionRequested:
		return "🔧"
	case EventBuildApproved:
		return "✅"
	case EventBuildRejected:
		return "❌"
	default:
		return "ℹ️"
	}
}
