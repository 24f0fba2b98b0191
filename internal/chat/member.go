package chat

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tg_member_bot/internal/domain"
)

func (d *Dispatcher) handleStart(ctx context.Context, ev Event) error {
	if token := strings.TrimSpace(ev.Args); token != "" {
		return d.handleToken(ctx, ev, token)
	}

	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		d.send(ctx, ev.ChatID, textOnboarding(ev.SenderName), onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}
	d.send(ctx, ev.ChatID, textWelcomeBack(acc), menuKeyboard(acc))
	return nil
}

func (d *Dispatcher) handleConnect(ctx context.Context, ev Event) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if ok {
		d.send(ctx, ev.ChatID, textAlreadyLinked, menuKeyboard(acc))
		return nil
	}
	d.send(ctx, ev.ChatID, textConnectSteps, onboardingKeyboard(d.settings.TutorialURL))
	return nil
}

func (d *Dispatcher) handleToken(ctx context.Context, ev Event, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		d.send(ctx, ev.ChatID, textTokenUsage, nil)
		return nil
	}

	profile, err := d.redeemer.Redeem(ctx, ev.SenderID, token)
	if err != nil {
		return err
	}

	acc := domain.Account{Role: profile.Role, FirstName: profile.FirstName, LastName: profile.LastName, Email: profile.Email, Eligible: profile.PaymentStatus}
	d.send(ctx, ev.ChatID, textConnected(profile), menuKeyboard(acc))
	return nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, ev Event) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		d.send(ctx, ev.ChatID, textNotConnected, onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}

	d.send(ctx, ev.ChatID, textStatus(acc, d.accessUntil(ctx, acc)), menuKeyboard(acc))
	return nil
}

func (d *Dispatcher) accessUntil(ctx context.Context, acc domain.Account) *time.Time {
	if d.subs == nil || acc.IsAdmin() || !acc.Eligible {
		return nil
	}
	oid, err := primitive.ObjectIDFromHex(acc.ID)
	if err != nil {
		return nil
	}
	payment, err := d.subs.LatestCompleted(ctx, oid)
	if err != nil {
		if !errors.Is(err, domain.ErrPaymentNotFound) {
			d.logger.WithError(err).WithField("event", "chat_status").Warn("failed to load latest payment")
		}
		return nil
	}
	return payment.ExpirationDate
}

func (d *Dispatcher) handleHelp(ctx context.Context, ev Event) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	admin := ok && acc.IsAdmin()
	d.send(ctx, ev.ChatID, textHelp(admin), nil)
	return nil
}

func (d *Dispatcher) handleLogout(ctx context.Context, ev Event) error {
	removed, err := d.dir.Unbind(ctx, ev.SenderID)
	if err != nil {
		return err
	}
	if err := d.selections.Clear(ctx, ev.SenderID); err != nil {
		d.logger.WithError(err).WithField("event", "chat_logout").Warn("failed to clear service selection")
	}
	if !removed {
		d.send(ctx, ev.ChatID, textNothingToLeave, onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}

	d.logger.WithFields(logrus.Fields{"event": "chat_logout", "chat_id": ev.SenderID}).Info("chat identity unlinked")
	d.send(ctx, ev.ChatID, textLoggedOut, onboardingKeyboard(d.settings.TutorialURL))
	return nil
}

func (d *Dispatcher) handlePayment(ctx context.Context, ev Event) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		d.send(ctx, ev.ChatID, textNotConnected, onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}
	if acc.IsAdmin() {
		d.send(ctx, ev.ChatID, textAdminNoPay, menuKeyboard(acc))
		return nil
	}

	items := d.catalog.Items()
	d.send(ctx, ev.ChatID, textCatalog(items, d.settings.PaymentCurrency, d.settings.PaymentInstructions), catalogKeyboard(items, d.settings.PaymentCurrency))
	return nil
}

func (d *Dispatcher) handleSelectService(ctx context.Context, ev Event, code string) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		d.send(ctx, ev.ChatID, textNotConnected, onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}
	if acc.IsAdmin() {
		d.send(ctx, ev.ChatID, textAdminNoPay, menuKeyboard(acc))
		return nil
	}

	item, found := d.catalog.Lookup(code)
	if !found {
		return d.handlePayment(ctx, ev)
	}

	if err := d.selections.Put(ctx, ev.SenderID, item.Service); err != nil {
		return err
	}
	d.send(ctx, ev.ChatID, textServiceSelected(item.Service, d.settings.PaymentCurrency, d.settings.PaymentInstructions), uploadKeyboard())
	return nil
}

func (d *Dispatcher) handleUploadPrompt(ctx context.Context, ev Event) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		d.send(ctx, ev.ChatID, textNotConnected, onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}
	if acc.IsAdmin() {
		d.send(ctx, ev.ChatID, textAdminNoReceipt, menuKeyboard(acc))
		return nil
	}

	service, selected, err := d.selections.Get(ctx, ev.SenderID)
	if err != nil {
		return err
	}
	if selected {
		d.send(ctx, ev.ChatID, textUploadPrompt(&service), nil)
	} else {
		d.send(ctx, ev.ChatID, textUploadPrompt(nil), nil)
	}
	return nil
}

func (d *Dispatcher) handleHowToJoin(ctx context.Context, ev Event) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		d.send(ctx, ev.ChatID, textNotConnected, onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}

	if !acc.Eligible {
		d.send(ctx, ev.ChatID, textHowToJoin(false, ""), menuKeyboard(acc))
		return nil
	}

	link, err := d.dir.GroupInviteLink(ctx)
	if err != nil {
		return err
	}
	d.send(ctx, ev.ChatID, textHowToJoin(true, link), joinKeyboard(link))
	return nil
}

// handleReceipt records an uploaded photo or document as a pending payment
// and forwards it to every linked administrator.
func (d *Dispatcher) handleReceipt(ctx context.Context, ev Event) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		d.send(ctx, ev.ChatID, textNotConnected, onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}
	if acc.IsAdmin() {
		d.send(ctx, ev.ChatID, textAdminNoReceipt, menuKeyboard(acc))
		return nil
	}

	service, selected, err := d.selections.Get(ctx, ev.SenderID)
	if err != nil {
		d.logger.WithError(err).WithField("event", "chat_receipt").Warn("failed to read service selection")
	}
	if !selected {
		service = domain.UnknownService()
	}

	receipt := domain.Receipt{FileID: ev.File.ID, FileName: ev.File.Name, Kind: ev.Kind.String()}
	payment, err := d.ledger.CreatePending(ctx, acc.ID, service, receipt)
	if err != nil {
		return err
	}

	if selected {
		if err := d.selections.Clear(ctx, ev.SenderID); err != nil {
			d.logger.WithError(err).WithField("event", "chat_receipt").Warn("failed to clear service selection")
		}
	}

	d.send(ctx, ev.ChatID, textReceiptReceived(payment), menuKeyboard(acc))
	d.forwardReceipt(ctx, ev, acc, payment)
	return nil
}

func (d *Dispatcher) forwardReceipt(ctx context.Context, ev Event, acc domain.Account, payment domain.Payment) {
	log := d.logger.WithFields(logrus.Fields{"event": "receipt_forward", "payment_id": payment.ID.Hex()})

	admins, err := d.dir.ListAdminChatIDs(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to list admins for receipt forwarding")
		return
	}

	for _, adminChat := range admins {
		if ev.MessageID != 0 {
			if err := d.msg.Copy(ctx, adminChat, ev.ChatID, ev.MessageID); err != nil {
				log.WithError(err).WithField("chat_id", adminChat).Warn("failed to copy receipt to admin")
			}
		}
		d.send(ctx, adminChat, textReceiptForAdmin(payment, acc.DisplayName()), paymentActionsKeyboard(payment.ID.Hex()))
	}
}
