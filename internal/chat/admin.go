package chat

import (
	"context"
	"errors"
	"html"
	"strings"

	"github.com/sirupsen/logrus"

	"tg_member_bot/internal/broadcast"
	"tg_member_bot/internal/domain"
)

type adminHandler func(ctx context.Context, ev Event, admin domain.Admin) error

// asAdmin re-resolves the sender against the admin directory on every call
// and runs fn only for a live administrator.
func (d *Dispatcher) asAdmin(ctx context.Context, ev Event, fn adminHandler) error {
	admin, err := d.dir.FindAdminByTelegramID(ctx, ev.SenderID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return domain.ErrPermissionDenied
		}
		return err
	}
	return fn(ctx, ev, admin)
}

func (d *Dispatcher) adminBroadcast(ctx context.Context, ev Event, admin domain.Admin) error {
	text := strings.TrimSpace(ev.Args)
	if text == "" {
		d.send(ctx, d.replyTarget(ev), textBroadcastUsage, nil)
		return nil
	}

	d.logger.WithFields(logrus.Fields{"event": "admin_broadcast", "account_id": admin.ID.Hex()}).Info("broadcast requested")

	_, err := d.broadcaster.Broadcast(ctx, broadcast.Request{
		InitiatorID: ev.SenderID,
		Content:     broadcast.Content{Text: html.EscapeString(text)},
	})
	return err
}

// adminPaidMessage posts the text to the broadcast group, then copies it to
// every eligible member who is in the group.
func (d *Dispatcher) adminPaidMessage(ctx context.Context, ev Event, admin domain.Admin) error {
	text := strings.TrimSpace(ev.Args)
	if text == "" {
		d.send(ctx, d.replyTarget(ev), textPaidUsage, nil)
		return nil
	}
	if d.settings.BroadcastGroupID == 0 {
		d.send(ctx, d.replyTarget(ev), textNoGroup, nil)
		return nil
	}

	escaped := html.EscapeString(text)
	if err := d.msg.Send(ctx, d.settings.BroadcastGroupID, escaped, nil); err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{"event": "admin_paid_message", "account_id": admin.ID.Hex()}).Info("paid message posted")

	_, err := d.broadcaster.Broadcast(ctx, broadcast.Request{
		InitiatorID:  ev.SenderID,
		Content:      broadcast.Content{Text: escaped},
		RequireGroup: true,
	})
	return err
}

func (d *Dispatcher) adminToggle(ctx context.Context, ev Event, admin domain.Admin, paymentID string) error {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		d.send(ctx, d.replyTarget(ev), textToggleUsage, nil)
		return nil
	}

	result, err := d.ledger.Toggle(ctx, paymentID, admin.ID.Hex())
	if err != nil {
		return err
	}

	d.send(ctx, d.replyTarget(ev), textPaymentResult("toggled", result), nil)
	return nil
}

func (d *Dispatcher) adminApprove(ctx context.Context, ev Event, admin domain.Admin, paymentID string) error {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		d.send(ctx, d.replyTarget(ev), textApproveUsage, nil)
		return nil
	}

	result, err := d.ledger.Approve(ctx, paymentID, admin.ID.Hex())
	if err != nil {
		return err
	}

	d.send(ctx, d.replyTarget(ev), textPaymentResult("approved", result), nil)
	return nil
}

func (d *Dispatcher) adminPending(ctx context.Context, ev Event, _ domain.Admin) error {
	payments, err := d.ledger.Pending(ctx, d.settings.PendingLimit)
	if err != nil {
		return err
	}

	target := d.replyTarget(ev)
	if len(payments) == 0 {
		d.send(ctx, target, textNoPending, nil)
		return nil
	}

	d.send(ctx, target, textPending(payments), nil)
	for _, p := range payments {
		d.send(ctx, target, textReceiptForAdmin(p, p.Email), paymentActionsKeyboard(p.ID.Hex()))
	}
	return nil
}

func (d *Dispatcher) adminStats(ctx context.Context, ev Event, _ domain.Admin) error {
	if d.stats == nil {
		return errors.New("stats are not configured")
	}
	stats, err := d.stats.Snapshot(ctx)
	if err != nil {
		return err
	}
	d.send(ctx, d.replyTarget(ev), textStats(stats), nil)
	return nil
}
