package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	xerrors "tiny-agent/internal/errors"
	"tiny-agent/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelLog     Channel = "log"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
)

// Config 描述告警配置。Webhooks 与 Slack 均为空时只写日志。
// Slack 为 Slack incoming webhook 地址列表。
type Config struct {
	Webhooks []string      `yaml:"webhooks"`
	Slack    []string      `yaml:"slack"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Event 描述一次需要告警的事件，通常是异步运行的最终失败。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	TaskID     string            `json:"task_id"`
	Attempts   int               `json:"attempts"`
	MaxRetries int               `json:"max_retries"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// New 根据配置构造派发器：始终写告警日志，并向每个 webhook 与 Slack 地址推送。
func New(cfg Config) *FanoutDispatcher {
	notifiers := []Notifier{LogNotifier{}}
	client := &http.Client{Timeout: cfg.Timeout}
	if cfg.Timeout <= 0 {
		client.Timeout = 5 * time.Second
	}
	for _, url := range cfg.Webhooks {
		if url != "" {
			notifiers = append(notifiers, &WebhookNotifier{URL: url, Client: client})
		}
	}
	for _, url := range cfg.Slack {
		if url != "" {
			notifiers = append(notifiers, &SlackNotifier{WebhookURL: url, Client: client})
		}
	}
	return NewFanout(notifiers...)
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 将告警写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 记录告警。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Warn("alert",
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("task_id", event.TaskID),
		slog.Int("attempts", event.Attempts),
		slog.Int("max_retries", event.MaxRetries),
		slog.String("message", event.Message),
		slog.Any("metadata", event.Metadata),
	)
	return nil
}

// WebhookNotifier 以 JSON POST 方式推送告警。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送事件，非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
		return nil
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("告警 webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// SlackNotifier 通过 Slack incoming webhook 发送告警。
type SlackNotifier struct {
	WebhookURL string
	Client     *http.Client
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 以附件形式发送告警，颜色随严重级别变化。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.WebhookURL == "" {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("task_id", event.TaskID))
		return nil
	}
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("*[%s]* %s", event.Severity, event.Code),
		Attachments: []slack.Attachment{{
			Color: slackColor(event.Severity),
			Text:  event.Message,
			Fields: []slack.AttachmentField{
				{Title: "task", Value: event.TaskID, Short: true},
				{Title: "attempts", Value: fmt.Sprintf("%d/%d", event.Attempts, event.MaxRetries), Short: true},
			},
			Ts: json.Number(strconv.FormatInt(event.OccurredAt.Unix(), 10)),
		}},
	}
	if n.Client != nil {
		return slack.PostWebhookCustomHTTPContext(ctx, n.WebhookURL, n.Client, msg)
	}
	return slack.PostWebhookContext(ctx, n.WebhookURL, msg)
}

func slackColor(severity xerrors.Severity) string {
	switch severity {
	case xerrors.SeverityCritical:
		return "danger"
	case xerrors.SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
