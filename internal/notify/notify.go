// Package notify abstracts participant delivery. The chat transport is an
// external collaborator; the state machine only needs "address this
// participant with a prompt and its allowed quick actions" and an optional
// shared-channel broadcast. Delivery failure never blocks case progression.
package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

type Notifier interface {
	Prompt(ctx context.Context, userID int64, message string, quickActions []string) error
	Channel(ctx context.Context, channelID int64, summary string) error
}

// LogNotifier records prompts to the log. Used in development and as the
// default when no transport adapter is attached.
type LogNotifier struct {
	log *zap.SugaredLogger
}

func NewLogNotifier(log *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Prompt(_ context.Context, userID int64, message string, quickActions []string) error {
	n.log.Infow("prompt participant", "user_id", userID, "message", message, "actions", quickActions)
	return nil
}

func (n *LogNotifier) Channel(_ context.Context, channelID int64, summary string) error {
	n.log.Infow("channel broadcast", "channel_id", channelID, "summary", summary)
	return nil
}

// ChannelInfo identifies a provisioned shared channel.
type ChannelInfo struct {
	ID         int64
	InviteLink string
}

// ChannelProvisioner creates a shared communication channel for a case and
// returns its identifier and invite mechanism. Provisioning runs through a
// secondary automation account and is external to this process.
type ChannelProvisioner interface {
	Provision(ctx context.Context, caseNumber, topic string) (ChannelInfo, error)
}

var ErrProvisioningDisabled = errors.New("channel provisioning not configured")

// NoChannel is the disabled default provisioner.
type NoChannel struct{}

func (NoChannel) Provision(context.Context, string, string) (ChannelInfo, error) {
	return ChannelInfo{}, ErrProvisioningDisabled
}
