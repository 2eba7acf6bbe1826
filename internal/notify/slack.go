package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/johndauphine/mention-anonymizer/internal/checkpoint"
	"github.com/johndauphine/mention-anonymizer/internal/config"
	"github.com/johndauphine/mention-anonymizer/internal/logging"
)

const footer = "mention-anonymizer"

// Notifier sends notifications to Slack
type Notifier struct {
	config     *config.SlackConfig
	httpClient *http.Client
}

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack message attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// New creates a new Slack notifier
func New(cfg *config.SlackConfig) *Notifier {
	if cfg == nil {
		cfg = &config.SlackConfig{Enabled: false}
	}
	return &Notifier{
		config: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// IsEnabled returns true if notifications are enabled
func (n *Notifier) IsEnabled() bool {
	return n.config != nil && n.config.Enabled && n.config.WebhookURL != ""
}

// ActionCompleted sends notification when an action completes
func (n *Notifier) ActionCompleted(runID, taskKey string, summary checkpoint.Summary, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	color, emoji := "#36a64f", ":white_check_mark:" // green
	header := fmt.Sprintf("Mentions of %s anonymized: %d requests, %s rows.",
		taskKey, summary.Total, formatNumberWithCommas(int64(summary.Rows)))
	if summary.Skipped > 0 {
		color, emoji = "#ffc107", ":warning:" // yellow
		header = fmt.Sprintf("Mentions of %s anonymized with errors: %d of %d requests skipped.",
			taskKey, summary.Skipped, summary.Total)
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: emoji,
		Text:      header,
		Attachments: []SlackAttachment{
			{
				Color: color,
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Task", Value: taskKey, Short: true},
					{Title: "Duration", Value: formatDuration(duration), Short: true},
					{Title: "Requests", Value: fmt.Sprintf("%d", summary.Total), Short: true},
					{Title: "Skipped", Value: fmt.Sprintf("%d", summary.Skipped), Short: true},
					{Title: "Rows", Value: formatNumberWithCommas(int64(summary.Rows)), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// ActionAbandoned sends notification when an action gives up
func (n *Notifier) ActionAbandoned(runID, taskKey string, summary checkpoint.Summary) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Anonymization Abandoned",
				Text:  "The connection kept failing at chunk size 1. Remaining mentions were not rewritten.",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Task", Value: taskKey, Short: true},
					{Title: "Done", Value: fmt.Sprintf("%d/%d requests", summary.Completed+summary.Skipped, summary.Total), Short: true},
					{Title: "Pending", Value: fmt.Sprintf("%d", summary.Pending), Short: true},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// RequestSkipped sends notification for a permanently failed request
func (n *Notifier) RequestSkipped(runID, taskKey, request string, err error) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":warning:",
		Attachments: []SlackAttachment{
			{
				Color: "#ffc107", // yellow
				Title: "Request Skipped",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Task", Value: taskKey, Short: true},
					{Title: "Request", Value: request, Short: true},
					{Title: "Error", Value: errorText(err), Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

// ActionFailed sends notification when a command stops on an error
func (n *Notifier) ActionFailed(runID, taskKey string, err error, duration time.Duration) error {
	if !n.IsEnabled() {
		return nil
	}

	msg := SlackMessage{
		Channel:   n.config.Channel,
		Username:  n.getUsername(),
		IconEmoji: ":x:",
		Attachments: []SlackAttachment{
			{
				Color: "#dc3545", // red
				Title: "Anonymization Failed",
				Fields: []SlackField{
					{Title: "Run ID", Value: runID, Short: true},
					{Title: "Task", Value: taskKey, Short: true},
					{Title: "Duration", Value: duration.Round(time.Second).String(), Short: true},
					{Title: "Error", Value: errorText(err), Short: false},
				},
				Footer:    footer,
				Timestamp: time.Now().Unix(),
			},
		},
	}

	return n.send(msg)
}

func (n *Notifier) send(msg SlackMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	resp, err := n.httpClient.Post(n.config.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("sending to Slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Slack returned status %d", resp.StatusCode)
	}

	return nil
}

func (n *Notifier) getUsername() string {
	if n.config.Username != "" {
		return n.config.Username
	}
	return footer
}

// errorText scrubs the subject's identity from err and truncates it.
func errorText(err error) string {
	if err == nil {
		return "Unknown error"
	}
	msg := logging.Scrub(err.Error())
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}

func formatNumberWithCommas(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result []byte
	for i, c := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result = append(result, ',')
		}
		result = append(result, byte(c))
	}
	return string(result)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
