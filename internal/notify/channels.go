package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/servereye/internal/models"
	"github.com/slack-go/slack"
	"gopkg.in/gomail.v2"
)

const (
	ChannelEmail   = "email"
	ChannelSlack   = "slack"
	ChannelWebhook = "webhook"
)

// Channel delivers one rendered alert to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert, msg rendered) error
}

// EmailChannel sends alert mail through an SMTP relay.
type EmailChannel struct {
	dialer *gomail.Dialer
	from   string
	to     []string
}

func NewEmailChannel(host string, port int, from, password string, to []string) *EmailChannel {
	return &EmailChannel{
		dialer: gomail.NewDialer(host, port, from, password),
		from:   from,
		to:     to,
	}
}

func (c *EmailChannel) Name() string { return ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, alert *models.Alert, msg rendered) error {
	m := gomail.NewMessage()
	m.SetHeader("From", c.from)
	m.SetHeader("To", c.to...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", msg.HTML)

	if err := c.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp delivery failed: %w", err)
	}
	return nil
}

// SlackChannel posts alerts to an incoming-webhook URL as a colored
// attachment.
type SlackChannel struct {
	webhookURL string
}

func NewSlackChannel(webhookURL string) *SlackChannel {
	return &SlackChannel{webhookURL: webhookURL}
}

func (c *SlackChannel) Name() string { return ChannelSlack }

func (c *SlackChannel) Send(ctx context.Context, alert *models.Alert, msg rendered) error {
	attachment := slack.Attachment{
		Color: severityColor(alert.Severity),
		Title: msg.Subject,
		Text:  msg.Text,
		Fields: []slack.AttachmentField{
			{Title: "Severity", Value: string(alert.Severity), Short: true},
			{Title: "Type", Value: string(alert.Type), Short: true},
		},
		Footer: "ServerEye",
		Ts:     json.Number(fmt.Sprintf("%d", time.Now().Unix())),
	}

	err := slack.PostWebhookContext(ctx, c.webhookURL, &slack.WebhookMessage{
		Attachments: []slack.Attachment{attachment},
	})
	if err != nil {
		return fmt.Errorf("slack delivery failed: %w", err)
	}
	return nil
}

// WebhookChannel POSTs the raw alert as JSON to a configured endpoint so
// operators can wire their own integrations.
type WebhookChannel struct {
	url    string
	client *http.Client
}

func NewWebhookChannel(url string) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *WebhookChannel) Name() string { return ChannelWebhook }

func (c *WebhookChannel) Send(ctx context.Context, alert *models.Alert, msg rendered) error {
	payload, err := json.Marshal(map[string]interface{}{
		"event":   "alert",
		"subject": msg.Subject,
		"body":    msg.Text,
		"alert":   alert,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
