// Package broadcast delivers one message to every eligible member.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"

	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/logging"
	"tg_member_bot/internal/messaging"
)

// Directory lists recipients and the group invite link.
type Directory interface {
	ListEligibleLinked(ctx context.Context) ([]domain.Account, error)
	GroupInviteLink(ctx context.Context) (string, error)
}

// Content is what gets delivered. A non-zero MessageID copies an existing
// message from FromChatID; otherwise Text is sent.
type Content struct {
	Text       string
	FromChatID int64
	MessageID  int
}

// Request describes one broadcast pass.
type Request struct {
	InitiatorID int64
	Content     Content
	// RequireGroup restricts delivery to recipients in the broadcast group.
	// When no group is configured the source chat of the content is used.
	RequireGroup bool
}

// Summary counts the outcome per recipient. Delivered+NotInGroup+Failed == Total.
type Summary struct {
	RunID      string
	Delivered  int
	NotInGroup int
	Failed     int
	Total      int
}

// Engine runs broadcasts.
type Engine struct {
	dir            Directory
	messenger      messaging.Messenger
	gate           messaging.MembershipChecker
	groupID        int64
	fallbackInvite string
	logger         *logrus.Entry
}

// NewEngine constructs an Engine. groupID 0 disables the membership gate for
// requests that do not require it.
func NewEngine(dir Directory, messenger messaging.Messenger, gate messaging.MembershipChecker, groupID int64, fallbackInvite string, logger *logrus.Entry) *Engine {
	if logger == nil {
		logger = logging.Logger()
	}
	return &Engine{
		dir:            dir,
		messenger:      messenger,
		gate:           gate,
		groupID:        groupID,
		fallbackInvite: strings.TrimSpace(fallbackInvite),
		logger:         logger,
	}
}

// Broadcast delivers req.Content to every eligible linked member and reports
// the result privately to req.InitiatorID. A failure for one recipient never
// stops the pass.
func (e *Engine) Broadcast(ctx context.Context, req Request) (Summary, error) {
	if e == nil || e.dir == nil || e.messenger == nil {
		return Summary{}, errors.New("broadcast engine is not initialized")
	}
	if ctx == nil {
		return Summary{}, errors.New("context is required")
	}
	if strings.TrimSpace(req.Content.Text) == "" && req.Content.MessageID == 0 {
		return Summary{}, errors.New("broadcast content is empty")
	}

	summary := Summary{RunID: ksuid.New().String()}
	log := e.logger.WithFields(logrus.Fields{"event": "broadcast", "run_id": summary.RunID})

	recipients, err := e.dir.ListEligibleLinked(ctx)
	if err != nil {
		return summary, fmt.Errorf("list recipients: %w", err)
	}
	summary.Total = len(recipients)

	groupID := e.groupID
	if groupID == 0 && req.RequireGroup {
		groupID = req.Content.FromChatID
	}
	gated := groupID != 0 && e.gate != nil

	var invite *string
	inviteLink := func() string {
		if invite == nil {
			link, err := e.dir.GroupInviteLink(ctx)
			if err != nil {
				log.WithError(err).Warn("failed to load group invite link")
			}
			if strings.TrimSpace(link) == "" {
				link = e.fallbackInvite
			}
			invite = &link
		}
		return *invite
	}

	for _, account := range recipients {
		rlog := log.WithField("chat_id", account.TelegramID)

		if gated {
			member, err := e.gate.IsMember(ctx, groupID, account.TelegramID)
			if err != nil {
				summary.Failed++
				rlog.WithError(err).Warn("membership check failed")
				continue
			}
			if !member {
				summary.NotInGroup++
				if err := e.messenger.Send(ctx, account.TelegramID, joinNotice, joinKeyboard(inviteLink())); err != nil {
					rlog.WithError(err).Warn("failed to send join notice")
				}
				continue
			}
		}

		if err := e.deliver(ctx, account.TelegramID, req.Content); err != nil {
			summary.Failed++
			rlog.WithError(err).Warn("broadcast delivery failed")
			continue
		}
		summary.Delivered++
	}

	log.WithFields(logrus.Fields{
		"delivered":    summary.Delivered,
		"not_in_group": summary.NotInGroup,
		"failed":       summary.Failed,
		"total":        summary.Total,
	}).Info("broadcast finished")

	if req.InitiatorID != 0 {
		if err := e.messenger.Send(ctx, req.InitiatorID, FormatSummary(summary), nil); err != nil {
			log.WithError(err).Warn("failed to report broadcast summary")
		}
	}

	return summary, nil
}

func (e *Engine) deliver(ctx context.Context, chatID int64, content Content) error {
	if content.MessageID != 0 {
		return e.messenger.Copy(ctx, chatID, content.FromChatID, content.MessageID)
	}
	return e.messenger.Send(ctx, chatID, content.Text, nil)
}

const joinNotice = "📢 A new message was shared with members, but you are not in the members group yet.\nJoin the group to receive broadcasts."

func joinKeyboard(link string) messaging.Keyboard {
	if link == "" {
		return nil
	}
	return messaging.Keyboard{messaging.Row(messaging.Link("Join the group", link))}
}

// FormatSummary renders the report sent to the initiating admin.
func FormatSummary(s Summary) string {
	return fmt.Sprintf(
		"📣 <b>Broadcast finished</b>\nDelivered: %d\nNot in group: %d\nFailed: %d\nTotal recipients: %d",
		s.Delivered, s.NotInGroup, s.Failed, s.Total,
	)
}
