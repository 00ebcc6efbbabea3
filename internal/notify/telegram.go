package notify

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram posts messages to one chat via the Bot API, Markdown parse
// mode.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	http    *http.Client
}

// NewTelegram builds a Telegram notifier for the given bot token and
// chat id.
func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPIBase,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers the message as-is. Formatting, including the severity
// emoji, is the caller's business; the level only matters to alternate
// sinks.
func (t *Telegram) Send(_, message string) error {
	apiURL := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", message)
	data.Set("parse_mode", "Markdown")

	resp, err := t.http.Post(apiURL, "application/x-www-form-urlencoded",
		strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
