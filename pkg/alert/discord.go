package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	discordGreen = 0x2ECC71
	discordRed   = 0xE74C3C
)

// Discord sends notifications via Discord webhook.
type Discord struct {
	client     *http.Client
	webhookURL string
}

// NewDiscord creates a new Discord notifier.
func NewDiscord(webhookURL string) *Discord {
	return &Discord{
		client:     &http.Client{Timeout: 10 * time.Second},
		webhookURL: webhookURL,
	}
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Send(ctx context.Context, n *Notification) error {
	var lines []string
	for _, f := range n.Files[:min(maxListed, len(n.Files))] {
		lines = append(lines, "• "+fileLine(f))
	}

	color := discordGreen
	if n.Level == LevelError {
		color = discordRed
	}

	embed := map[string]any{
		"title": n.Title,
		"description": fmt.Sprintf("**Processed:** %d | **Skipped:** %d | **Failed:** %d\n\n%s\n\n%s",
			n.Processed, n.Skipped, n.Failed, n.Body, strings.Join(lines, "\n")),
		"color":     color,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(map[string]any{
		"embeds": []map[string]any{embed},
	})
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}
	return postJSON(ctx, d.client, "discord webhook", d.webhookURL, body, nil)
}
