package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"mssql-recovery/internal/logging"
)

// NotificationConfig selects where run outcomes are reported
type NotificationConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// OnSuccess also reports successful runs. Failures and cancellations are
	// always reported.
	OnSuccess bool           `yaml:"on_success" mapstructure:"on_success"`
	Webhook   *WebhookConfig `yaml:"webhook,omitempty" mapstructure:"webhook"`
	Slack     *SlackConfig   `yaml:"slack,omitempty" mapstructure:"slack"`
	File      *FileConfig    `yaml:"file,omitempty" mapstructure:"file"`
}

// WebhookConfig posts the report as JSON
type WebhookConfig struct {
	URL     string            `yaml:"url" mapstructure:"url"`
	Method  string            `yaml:"method,omitempty" mapstructure:"method"`
	Headers map[string]string `yaml:"headers,omitempty" mapstructure:"headers"`
	Timeout time.Duration     `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// SlackConfig posts to a Slack incoming webhook
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	Channel    string `yaml:"channel,omitempty" mapstructure:"channel"`
	Username   string `yaml:"username,omitempty" mapstructure:"username"`
}

// FileConfig appends reports to a local file
type FileConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Format string `yaml:"format,omitempty" mapstructure:"format"` // json, text
}

// Validate checks every configured channel
func (c NotificationConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs ValidationErrors
	if c.Webhook == nil && c.Slack == nil && c.File == nil {
		errs.Add("notifications", "at least one of webhook, slack or file is required when notifications are enabled", nil)
	}
	if c.Webhook != nil {
		if err := validateHTTPURL(c.Webhook.URL); err != nil {
			errs.Add("notifications.webhook.url", err.Error(), c.Webhook.URL)
		}
		if c.Webhook.Timeout < 0 {
			errs.Add("notifications.webhook.timeout", "timeout cannot be negative", c.Webhook.Timeout)
		}
	}
	if c.Slack != nil {
		if err := validateHTTPURL(c.Slack.WebhookURL); err != nil {
			errs.Add("notifications.slack.webhook_url", err.Error(), nil)
		}
	}
	if c.File != nil {
		if c.File.Path == "" {
			errs.Add("notifications.file.path", "path is required", nil)
		}
		if c.File.Format != "" && c.File.Format != "json" && c.File.Format != "text" {
			errs.Add("notifications.file.format", "format must be json or text", c.File.Format)
		}
	}
	if errs.HasErrors() {
		return errs
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be an absolute http or https URL")
	}
	return nil
}

// RunReport describes the outcome of one backup or recovery run
type RunReport struct {
	Kind          string        `json:"kind"`
	Database      string        `json:"database"`
	Files         []string      `json:"files"`
	Status        string        `json:"status"`
	Error         string        `json:"error,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Host          string        `json:"host,omitempty"`
}

// Failed reports whether the run did not succeed
func (r RunReport) Failed() bool {
	return r.Error != ""
}

// Title is a one-line summary of the report
func (r RunReport) Title() string {
	return fmt.Sprintf("%s of %s %s", strings.ReplaceAll(r.Kind, "_", " "), r.Database, r.Status)
}

// NotificationChannel delivers a report to one destination
type NotificationChannel interface {
	Send(ctx context.Context, report RunReport) error
	GetType() string
}

// Notifier fans a report out to every configured channel
type Notifier struct {
	logger   *logging.Logger
	config   NotificationConfig
	channels []NotificationChannel
}

// NewNotifier creates a notifier. A disabled configuration yields a notifier
// that sends nothing.
func NewNotifier(config NotificationConfig, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	n := &Notifier{logger: logger, config: config}
	if !config.Enabled {
		return n
	}
	if config.Webhook != nil {
		n.channels = append(n.channels, NewWebhookChannel(*config.Webhook))
	}
	if config.Slack != nil {
		n.channels = append(n.channels, NewSlackChannel(*config.Slack))
	}
	if config.File != nil {
		n.channels = append(n.channels, NewFileChannel(*config.File))
	}
	return n
}

// Notify sends report through every channel. A failing channel does not stop
// the others; their errors are joined.
func (n *Notifier) Notify(ctx context.Context, report RunReport) error {
	if len(n.channels) == 0 || (!report.Failed() && !n.config.OnSuccess) {
		return nil
	}
	if report.Host == "" {
		report.Host, _ = os.Hostname()
	}

	var failures []string
	for _, ch := range n.channels {
		if err := ch.Send(ctx, report); err != nil {
			n.logger.WithFields(map[string]interface{}{
				"channel": ch.GetType(),
				"error":   err.Error(),
			}).Warn("Notification failed")
			failures = append(failures, fmt.Sprintf("%s: %v", ch.GetType(), err))
			continue
		}
		n.logger.WithField("channel", ch.GetType()).Debug("Notification sent")
	}
	if len(failures) > 0 {
		return fmt.Errorf("notification failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, method, target string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("returned error status: %d", resp.StatusCode)
	}
	return nil
}

// WebhookChannel posts the report unchanged
type WebhookChannel struct {
	config WebhookConfig
	client *http.Client
}

func NewWebhookChannel(config WebhookConfig) *WebhookChannel {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{config: config, client: &http.Client{Timeout: timeout}}
}

func (wc *WebhookChannel) Send(ctx context.Context, report RunReport) error {
	method := wc.config.Method
	if method == "" {
		method = http.MethodPost
	}
	return postJSON(ctx, wc.client, method, wc.config.URL, wc.config.Headers, report)
}

func (wc *WebhookChannel) GetType() string {
	return "webhook"
}

// SlackChannel posts a message attachment
type SlackChannel struct {
	config SlackConfig
	client *http.Client
}

func NewSlackChannel(config SlackConfig) *SlackChannel {
	return &SlackChannel{config: config, client: &http.Client{Timeout: 30 * time.Second}}
}

func (sc *SlackChannel) Send(ctx context.Context, report RunReport) error {
	color := "good"
	text := fmt.Sprintf("Completed in %s", report.Duration.Round(time.Second))
	if report.Failed() {
		color = "danger"
		text = report.Error
	}

	fields := []map[string]interface{}{
		{"title": "Database", "value": report.Database, "short": true},
		{"title": "Status", "value": report.Status, "short": true},
	}
	if report.Host != "" {
		fields = append(fields, map[string]interface{}{"title": "Host", "value": report.Host, "short": true})
	}
	if report.CorrelationID != "" {
		fields = append(fields, map[string]interface{}{"title": "Correlation ID", "value": report.CorrelationID, "short": true})
	}
	if len(report.Files) > 0 {
		fields = append(fields, map[string]interface{}{"title": "Files", "value": strings.Join(report.Files, "\n")})
	}

	payload := map[string]interface{}{
		"text": report.Title(),
		"attachments": []map[string]interface{}{
			{
				"color":  color,
				"title":  report.Title(),
				"text":   text,
				"ts":     report.StartedAt.Unix(),
				"fields": fields,
			},
		},
	}
	if sc.config.Channel != "" {
		payload["channel"] = sc.config.Channel
	}
	if sc.config.Username != "" {
		payload["username"] = sc.config.Username
	}
	return postJSON(ctx, sc.client, http.MethodPost, sc.config.WebhookURL, nil, payload)
}

func (sc *SlackChannel) GetType() string {
	return "slack"
}

// FileChannel appends one line per report
type FileChannel struct {
	config FileConfig
}

func NewFileChannel(config FileConfig) *FileChannel {
	return &FileChannel{config: config}
}

func (fc *FileChannel) Send(ctx context.Context, report RunReport) error {
	var line string
	switch fc.config.Format {
	case "json":
		data, err := json.Marshal(report)
		if err != nil {
			return fmt.Errorf("failed to marshal report: %w", err)
		}
		line = string(data) + "\n"
	default:
		line = fmt.Sprintf("[%s] %s", report.StartedAt.Format(time.RFC3339), report.Title())
		if report.Failed() {
			line += ": " + report.Error
		}
		line += "\n"
	}

	file, err := os.OpenFile(fc.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open notification file: %w", err)
	}
	defer file.Close()
	if _, err := file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

func (fc *FileChannel) GetType() string {
	return "file"
}
