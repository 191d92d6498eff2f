package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Slack sends notifications via Slack incoming webhook.
type Slack struct {
	client     *http.Client
	webhookURL string
	channel    string
}

// NewSlack creates a new Slack notifier. An empty channel uses the webhook's default.
func NewSlack(webhookURL, channel string) *Slack {
	return &Slack{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
		channel:    channel,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Send(ctx context.Context, n *Notification) error {
	icon := ":white_check_mark:"
	if n.Level == LevelError {
		icon = ":rotating_light:"
	}

	// Block Kit message.
	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": n.Title,
			},
		},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": fmt.Sprintf("%s *Processed:* %d | *Skipped:* %d | *Failed:* %d\n%s",
					icon, n.Processed, n.Skipped, n.Failed, n.Body),
			},
		},
	}

	if len(n.Files) > 0 {
		var lines []string
		for _, f := range n.Files[:min(maxListed, len(n.Files))] {
			lines = append(lines, "`"+fileLine(f)+"`")
		}
		blocks = append(blocks, map[string]any{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": strings.Join(lines, "\n")},
			},
		})
	}

	payload := map[string]any{"text": n.Title, "blocks": blocks}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, "slack webhook", s.webhookURL, body, nil)
}
