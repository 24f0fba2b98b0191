// Package chat routes transport-neutral chat events to member and
// administrator handlers.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"tg_member_bot/internal/broadcast"
	"tg_member_bot/internal/catalog"
	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/ledger"
	"tg_member_bot/internal/linking"
	"tg_member_bot/internal/logging"
	"tg_member_bot/internal/messaging"
	"tg_member_bot/internal/session"
)

// Directory resolves chat identities to accounts.
type Directory interface {
	FindByTelegramID(ctx context.Context, telegramID int64) (domain.Account, error)
	FindAdminByTelegramID(ctx context.Context, telegramID int64) (domain.Admin, error)
	Unbind(ctx context.Context, telegramID int64) (bool, error)
	ListAdminChatIDs(ctx context.Context) ([]int64, error)
	GroupInviteLink(ctx context.Context) (string, error)
}

// Redeemer binds a chat identity using a connection token.
type Redeemer interface {
	Redeem(ctx context.Context, telegramID int64, token string) (linking.Profile, error)
}

// Ledger is the payment surface used by the handlers.
type Ledger interface {
	CreatePending(ctx context.Context, accountID string, service domain.Service, receipt domain.Receipt) (domain.Payment, error)
	Toggle(ctx context.Context, paymentID, adminID string) (ledger.Result, error)
	Approve(ctx context.Context, paymentID, adminID string) (ledger.Result, error)
	Pending(ctx context.Context, limit int64) ([]domain.Payment, error)
}

// Broadcaster delivers a message to eligible members.
type Broadcaster interface {
	Broadcast(ctx context.Context, req broadcast.Request) (broadcast.Summary, error)
}

// Subscriptions reports a member's current access window.
type Subscriptions interface {
	LatestCompleted(ctx context.Context, accountID primitive.ObjectID) (domain.Payment, error)
}

// StatsSource reports member and payment counts.
type StatsSource interface {
	Snapshot(ctx context.Context) (domain.Stats, error)
}

// Settings are the static knobs the handlers read.
type Settings struct {
	BroadcastGroupID    int64
	BotUsername         string
	TutorialURL         string
	PaymentCurrency     string
	PaymentInstructions string
	PendingLimit        int64
}

// Deps groups the dispatcher's collaborators. Subscriptions and Stats are optional.
type Deps struct {
	Directory     Directory
	Redeemer      Redeemer
	Ledger        Ledger
	Broadcaster   Broadcaster
	Subscriptions Subscriptions
	Stats         StatsSource
	Selections    session.Selections
	Catalog       *catalog.Catalog
	Messenger     messaging.Messenger
	Settings      Settings
	Logger        *logrus.Entry
}

// groupAdminCommands are the only commands honoured inside a group.
var groupAdminCommands = map[string]bool{
	"broadcast":      true,
	"paidmessage":    true,
	"togglepayment":  true,
	"approvepayment": true,
}

// Dispatcher handles chat events one at a time. It is safe for concurrent use.
type Dispatcher struct {
	dir         Directory
	redeemer    Redeemer
	ledger      Ledger
	broadcaster Broadcaster
	subs        Subscriptions
	stats       StatsSource
	selections  session.Selections
	catalog     *catalog.Catalog
	msg         messaging.Messenger
	settings    Settings
	logger      *logrus.Entry
}

// NewDispatcher validates deps and constructs a Dispatcher.
func NewDispatcher(deps Deps) (*Dispatcher, error) {
	switch {
	case deps.Directory == nil:
		return nil, errors.New("directory is required")
	case deps.Redeemer == nil:
		return nil, errors.New("redeemer is required")
	case deps.Ledger == nil:
		return nil, errors.New("ledger is required")
	case deps.Broadcaster == nil:
		return nil, errors.New("broadcaster is required")
	case deps.Selections == nil:
		return nil, errors.New("selections store is required")
	case deps.Messenger == nil:
		return nil, errors.New("messenger is required")
	}

	if deps.Catalog == nil {
		deps.Catalog = catalog.Default()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Logger()
	}
	if deps.Settings.PendingLimit <= 0 {
		deps.Settings.PendingLimit = 10
	}
	deps.Settings.BotUsername = strings.TrimPrefix(strings.TrimSpace(deps.Settings.BotUsername), "@")

	return &Dispatcher{
		dir:         deps.Directory,
		redeemer:    deps.Redeemer,
		ledger:      deps.Ledger,
		broadcaster: deps.Broadcaster,
		subs:        deps.Subscriptions,
		stats:       deps.Stats,
		selections:  deps.Selections,
		catalog:     deps.Catalog,
		msg:         deps.Messenger,
		settings:    deps.Settings,
		logger:      deps.Logger,
	}, nil
}

// Handle processes one event. It never panics and never returns an error;
// failures are mapped to a reply and logged.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) {
	log := d.logger.WithFields(logrus.Fields{
		"event":   "chat_event",
		"scope":   ev.Scope.String(),
		"kind":    ev.Kind.String(),
		"chat_id": ev.ChatID,
		"user_id": ev.SenderID,
	})
	if ev.Command != "" {
		log = log.WithField("command", ev.Command)
	}

	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", fmt.Sprint(r)).Error("recovered from panic in chat handler")
			d.send(ctx, d.replyTarget(ev), textGenericError, nil)
		}
	}()

	if ev.Kind == KindCallback && ev.CallbackID != "" {
		defer func() {
			if err := d.msg.AnswerCallback(ctx, ev.CallbackID, ""); err != nil {
				log.WithError(err).Debug("failed to answer callback")
			}
		}()
	}

	var err error
	if ev.Scope == ScopeGroup {
		err = d.handleGroup(ctx, ev)
	} else {
		err = d.handlePrivate(ctx, ev)
	}

	if err != nil {
		d.replyError(ctx, ev, err, log)
	}
}

func (d *Dispatcher) handlePrivate(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindCommand:
		return d.handleCommand(ctx, ev)
	case KindCallback:
		return d.handleCallback(ctx, ev)
	case KindPhoto, KindDocument:
		return d.handleReceipt(ctx, ev)
	default:
		return d.handleText(ctx, ev)
	}
}

func (d *Dispatcher) handleCommand(ctx context.Context, ev Event) error {
	switch ev.Command {
	case "start":
		return d.handleStart(ctx, ev)
	case "connect":
		return d.handleConnect(ctx, ev)
	case "token":
		return d.handleToken(ctx, ev, ev.Args)
	case "status":
		return d.handleStatus(ctx, ev)
	case "help":
		return d.handleHelp(ctx, ev)
	case "logout":
		return d.handleLogout(ctx, ev)
	case "payment":
		return d.handlePayment(ctx, ev)
	case "uploadreceipt":
		return d.handleUploadPrompt(ctx, ev)
	case "howtojoin":
		return d.handleHowToJoin(ctx, ev)
	case "broadcast":
		return d.asAdmin(ctx, ev, d.adminBroadcast)
	case "paidmessage":
		return d.asAdmin(ctx, ev, d.adminPaidMessage)
	case "togglepayment":
		return d.asAdmin(ctx, ev, func(ctx context.Context, ev Event, admin domain.Admin) error {
			return d.adminToggle(ctx, ev, admin, ev.Args)
		})
	case "approvepayment":
		return d.asAdmin(ctx, ev, func(ctx context.Context, ev Event, admin domain.Admin) error {
			return d.adminApprove(ctx, ev, admin, ev.Args)
		})
	case "pending":
		return d.asAdmin(ctx, ev, d.adminPending)
	case "stats":
		return d.asAdmin(ctx, ev, d.adminStats)
	default:
		d.send(ctx, ev.ChatID, textUnknownCommand, nil)
		return nil
	}
}

func (d *Dispatcher) handleCallback(ctx context.Context, ev Event) error {
	data := strings.TrimSpace(ev.CallbackData)

	switch {
	case data == cbMenu:
		return d.showMenu(ctx, ev, ev.ChatID)
	case data == cbConnect:
		return d.handleConnect(ctx, ev)
	case data == cbHaveToken:
		d.send(ctx, ev.ChatID, textHaveToken, nil)
		return nil
	case data == cbStatus:
		return d.handleStatus(ctx, ev)
	case data == cbHelp:
		return d.handleHelp(ctx, ev)
	case data == cbLogout:
		return d.handleLogout(ctx, ev)
	case data == cbPayment:
		return d.handlePayment(ctx, ev)
	case data == cbUpload:
		return d.handleUploadPrompt(ctx, ev)
	case data == cbHowToJoin:
		return d.handleHowToJoin(ctx, ev)
	case strings.HasPrefix(data, cbService):
		return d.handleSelectService(ctx, ev, strings.TrimPrefix(data, cbService))
	case data == cbAdmPending:
		return d.asAdmin(ctx, ev, d.adminPending)
	case data == cbAdmStats:
		return d.asAdmin(ctx, ev, d.adminStats)
	case strings.HasPrefix(data, cbAdmToggle):
		id := strings.TrimPrefix(data, cbAdmToggle)
		return d.asAdmin(ctx, ev, func(ctx context.Context, ev Event, admin domain.Admin) error {
			return d.adminToggle(ctx, ev, admin, id)
		})
	case strings.HasPrefix(data, cbAdmApprove):
		id := strings.TrimPrefix(data, cbAdmApprove)
		return d.asAdmin(ctx, ev, func(ctx context.Context, ev Event, admin domain.Admin) error {
			return d.adminApprove(ctx, ev, admin, id)
		})
	default:
		return d.showMenu(ctx, ev, ev.ChatID)
	}
}

// handleText answers unrecognised free text with the caller's menu or onboarding.
func (d *Dispatcher) handleText(ctx context.Context, ev Event) error {
	return d.showMenu(ctx, ev, ev.ChatID)
}

func (d *Dispatcher) handleGroup(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case KindCommand:
		if !groupAdminCommands[ev.Command] {
			d.send(ctx, ev.ChatID, textGroupRedirect, redirectKeyboard(d.settings.BotUsername))
			return nil
		}
		return d.handleCommand(ctx, ev)

	case KindText, KindPhoto, KindDocument:
		if d.settings.BroadcastGroupID == 0 || ev.ChatID != d.settings.BroadcastGroupID || ev.MessageID == 0 {
			return nil
		}
		if _, err := d.dir.FindAdminByTelegramID(ctx, ev.SenderID); err != nil {
			if errors.Is(err, domain.ErrAccountNotFound) {
				return nil
			}
			return err
		}
		_, err := d.broadcaster.Broadcast(ctx, broadcast.Request{
			InitiatorID:  ev.SenderID,
			Content:      broadcast.Content{FromChatID: ev.ChatID, MessageID: ev.MessageID},
			RequireGroup: true,
		})
		return err

	default:
		return nil
	}
}

// resolve looks up the account bound to the sender. ok is false when the
// sender is not connected.
func (d *Dispatcher) resolve(ctx context.Context, ev Event) (domain.Account, bool, error) {
	acc, err := d.dir.FindByTelegramID(ctx, ev.SenderID)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			return domain.Account{}, false, nil
		}
		return domain.Account{}, false, err
	}
	return acc, true, nil
}

func (d *Dispatcher) showMenu(ctx context.Context, ev Event, chatID int64) error {
	acc, ok, err := d.resolve(ctx, ev)
	if err != nil {
		return err
	}
	if !ok {
		d.send(ctx, chatID, textOnboarding(ev.SenderName), onboardingKeyboard(d.settings.TutorialURL))
		return nil
	}
	d.send(ctx, chatID, textMenu(acc), menuKeyboard(acc))
	return nil
}

// replyTarget is where replies go: the chat itself in private scope, the
// sender's private chat otherwise.
func (d *Dispatcher) replyTarget(ev Event) int64 {
	if ev.Scope == ScopeGroup {
		return ev.SenderID
	}
	return ev.ChatID
}

func (d *Dispatcher) replyError(ctx context.Context, ev Event, err error, log *logrus.Entry) {
	target := d.replyTarget(ev)

	switch {
	case errors.Is(err, domain.ErrPermissionDenied):
		log.Warn("permission denied")
		d.send(ctx, target, textDenied, nil)
		if menuErr := d.showMenu(ctx, ev, target); menuErr != nil {
			log.WithError(menuErr).Warn("failed to show menu after denial")
		}
		return
	case errors.Is(err, domain.ErrInvalidToken):
		d.send(ctx, target, textInvalidToken, nil)
	case errors.Is(err, domain.ErrTokenExpired):
		d.send(ctx, target, textTokenExpired, nil)
	case errors.Is(err, domain.ErrAlreadyConnected):
		d.send(ctx, target, textAlreadyLinked, nil)
	case errors.Is(err, domain.ErrAccountNotFound):
		d.send(ctx, target, textAccountMissing, nil)
	case errors.Is(err, domain.ErrPaymentNotFound):
		d.send(ctx, target, textPaymentMissing, nil)
	case errors.Is(err, domain.ErrUpstream):
		log.WithError(err).Warn("validation service failed")
		d.send(ctx, target, textUpstream, nil)
	default:
		log.WithError(err).Error("chat handler failed")
		d.send(ctx, target, textGenericError, nil)
	}
	log.WithError(err).Debug("chat handler returned error")
}

// send delivers a reply; delivery failures are logged only.
func (d *Dispatcher) send(ctx context.Context, chatID int64, text string, kb messaging.Keyboard) {
	if chatID == 0 {
		return
	}
	if err := d.msg.Send(ctx, chatID, text, kb); err != nil {
		d.logger.WithFields(logrus.Fields{"event": "chat_reply", "chat_id": chatID}).WithError(err).Warn("failed to send reply")
	}
}
