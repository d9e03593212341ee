package notifications

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/meridian-au/commandbus/internal/command"
)

// TSQAlert carries the facts an operator needs when a command lands in the
// troubleshooting queue.
type TSQAlert struct {
	Domain      string
	CommandID   string
	CommandType string
	Attempts    int
	ErrorCode   string
	ErrorMsg    string
}

// AlertChannel delivers troubleshooting-queue alerts
type AlertChannel interface {
	Name() string
	Deliver(ctx context.Context, alert *TSQAlert) error
}

// Service fans a TSQ alert out to the configured channels. Delivery is
// best-effort; a channel failure is logged and never fails the worker.
type Service struct {
	channels []AlertChannel
}

// NewService creates an alert service with no channels
func NewService() *Service {
	return &Service{}
}

// AddChannel adds a delivery channel to the service
func (s *Service) AddChannel(ch AlertChannel) {
	s.channels = append(s.channels, ch)
}

// NotifyTSQ delivers the alert to every channel
func (s *Service) NotifyTSQ(ctx context.Context, alert *TSQAlert) {
	for _, ch := range s.channels {
		if err := ch.Deliver(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("channel", ch.Name()).
				Str("domain", alert.Domain).
				Str("command_id", alert.CommandID).
				Msg("Failed to deliver troubleshooting queue alert")
		}
	}
}

// SlackChannel posts TSQ alerts to a Slack channel via the Web API
type SlackChannel struct {
	client    *slack.Client
	channelID string
}

// NewSlackChannel creates a Slack delivery channel
func NewSlackChannel(token, channelID string) *SlackChannel {
	return &SlackChannel{
		client:    slack.New(token),
		channelID: channelID,
	}
}

// NewSlackChannelFromEnv creates a Slack channel from SLACK_BOT_TOKEN and
// SLACK_ALERT_CHANNEL, or nil when either is unset.
func NewSlackChannelFromEnv() *SlackChannel {
	token := os.Getenv("SLACK_BOT_TOKEN")
	channelID := os.Getenv("SLACK_ALERT_CHANNEL")
	if token == "" || channelID == "" {
		return nil
	}
	return NewSlackChannel(token, channelID)
}

// Name returns the channel identifier
func (c *SlackChannel) Name() string {
	return "slack"
}

// Deliver posts the alert as a block message
func (c *SlackChannel) Deliver(ctx context.Context, alert *TSQAlert) error {
	header := slack.NewHeaderBlock(
		slack.NewTextBlockObject(slack.PlainTextType,
			":rotating_light: Command needs operator attention", false, false))

	body := fmt.Sprintf(
		"*Domain:* %s\n*Command:* %s (`%s`)\n*Attempts:* %d\n*Error:* %s — %s\n*Status:* %s",
		alert.Domain, alert.CommandType, alert.CommandID,
		alert.Attempts, alert.ErrorCode, alert.ErrorMsg,
		command.StatusInTroubleshootingQueue)
	section := slack.NewSectionBlock(
		slack.NewTextBlockObject(slack.MarkdownType, body, false, false), nil, nil)

	_, _, err := c.client.PostMessageContext(ctx, c.channelID,
		slack.MsgOptionBlocks(header, section),
		slack.MsgOptionText("Command moved to troubleshooting queue", false))
	if err != nil {
		return fmt.Errorf("failed to post slack alert: %w", err)
	}

	log.Debug().
		Str("domain", alert.Domain).
		Str("command_id", alert.CommandID).
		Msg("Posted troubleshooting queue alert to Slack")

	return nil
}
