package gateway

import (
	"context"
	"fmt"
	"strconv"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter posts notices to one Slack channel with a bot token.
type SlackAdapter struct {
	channel string
	client  *slack.Client
	logger  *zap.Logger
}

// NewSlackAdapter creates a Slack adapter. Extra options are passed to
// the Slack client, e.g. slack.OptionAPIURL.
func NewSlackAdapter(botToken, channel string, logger *zap.Logger, opts ...slack.Option) *SlackAdapter {
	return &SlackAdapter{
		channel: channel,
		client:  slack.New(botToken, opts...),
		logger:  logger,
	}
}

func (a *SlackAdapter) Platform() string { return "slack" }

// Connect verifies the bot token.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	a.logger.Info("slack adapter ready", zap.String("team", resp.Team), zap.String("channel", a.channel))
	return nil
}

// Post sends n as a message with one attachment.
func (a *SlackAdapter) Post(ctx context.Context, n *Notice) error {
	att := slack.Attachment{
		Title: n.Title,
		Text:  n.Content,
		Fields: []slack.AttachmentField{
			{Title: "Category", Value: n.Category, Short: true},
			{Title: "Relevance", Value: strconv.FormatFloat(n.Relevance, 'f', 2, 64), Short: true},
			{Title: "Contributor", Value: n.Contributor, Short: true},
		},
	}
	_, _, err := a.client.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(n.Title, false),
		slack.MsgOptionAttachments(att),
	)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

func (a *SlackAdapter) Close() error { return nil }
