// Package alert implements pkg/contracts.AlertSink over Slack
// (github.com/slack-go/slack) using a fire-and-forget alerting idiom:
// delivery failures are logged, never propagated to the caller.
package alert

import (
	"context"
	"fmt"

	"github.com/jeyb33/publisher-core/internal/logging"
	"github.com/jeyb33/publisher-core/pkg/contracts"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// severityColor maps contracts.Severity to a Slack attachment color.
var severityColor = map[contracts.Severity]string{
	contracts.SeverityInfo:     "#2196F3",
	contracts.SeverityWarning:  "#FFC107",
	contracts.SeverityCritical: "#F44336",
}

// Sink posts alerts to a single configured Slack channel.
type Sink struct {
	client  *slack.Client
	channel string
	log     *zap.Logger
}

func New(botToken, channel string, log *zap.Logger) *Sink {
	return &Sink{client: slack.New(botToken), channel: channel, log: log}
}

// Emit implements contracts.AlertSink. It never returns an error; Slack
// API failures are logged and swallowed so a broken webhook can't take
// down the publish path it's meant to be observing.
func (s *Sink) Emit(ctx context.Context, severity contracts.Severity, title, body string, fields map[string]any) {
	attachment := buildAttachment(severity, title, body, fields)

	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionAttachments(attachment))
	if err != nil && s.log != nil {
		s.log.Warn("slack alert delivery failed",
			logging.NewFields().Component("alert").Operation("emit").Err(err)...,
		)
	}
}

func buildAttachment(severity contracts.Severity, title, body string, fields map[string]any) slack.Attachment {
	attachment := slack.Attachment{
		Color:  severityColor[severity],
		Title:  title,
		Text:   body,
		Footer: "publisher-core",
	}
	for k, v := range fields {
		attachment.Fields = append(attachment.Fields, slack.AttachmentField{
			Title: k,
			Value: fmt.Sprintf("%v", v),
			Short: true,
		})
	}
	return attachment
}
