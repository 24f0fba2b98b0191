package chat

import (
	"fmt"
	"html"
	"strings"
	"time"

	"tg_member_bot/internal/catalog"
	"tg_member_bot/internal/domain"
	"tg_member_bot/internal/ledger"
	"tg_member_bot/internal/linking"
	"tg_member_bot/internal/messaging"
)

// Callback data values.
const (
	cbMenu       = "menu"
	cbConnect    = "connect"
	cbHaveToken  = "have_token"
	cbStatus     = "status"
	cbHelp       = "help"
	cbLogout     = "logout"
	cbPayment    = "payment"
	cbUpload     = "upload"
	cbHowToJoin  = "howtojoin"
	cbService    = "svc:"
	cbAdmPending = "adm:pending"
	cbAdmStats   = "adm:stats"
	cbAdmToggle  = "adm:toggle:"
	cbAdmApprove = "adm:approve:"
)

const (
	textGenericError   = "⚠️ Something went wrong. Please try again in a moment."
	textInvalidToken   = "❌ That connection token is not valid. Generate a new one from your dashboard and try again."
	textTokenExpired   = "⌛ That connection token has expired. Generate a new one from your dashboard."
	textAlreadyLinked  = "ℹ️ This Telegram account is already connected. Use /logout first if you want to connect a different account."
	textAccountMissing = "❌ The account for that token no longer exists."
	textPaymentMissing = "❌ Payment not found. Check the payment id and try again."
	textDenied         = "⛔ Permission denied. That action is for administrators only."
	textUpstream       = "⚠️ The validation service is unavailable right now. Your token was not used, please try again shortly."
	textTokenUsage     = "Usage: <code>/token &lt;connection token&gt;</code>"
	textNotConnected   = "🔗 Your Telegram account is not connected yet. Connect it first to use this feature."
	textLoggedOut      = "👋 Your Telegram account has been disconnected. You can connect again at any time."
	textNothingToLeave = "ℹ️ This Telegram account is not connected to any portal account."
	textAdminNoPay     = "ℹ️ Administrators have full access and do not need to make payments."
	textAdminNoReceipt = "ℹ️ Administrators do not upload receipts. Use /pending to review member receipts."
	textUnknownCommand = "🤔 I don't know that command. Use /help to see what I can do."
	textBroadcastUsage = "Usage: <code>/broadcast &lt;message&gt;</code>"
	textPaidUsage      = "Usage: <code>/paidmessage &lt;message&gt;</code>"
	textToggleUsage    = "Usage: <code>/togglepayment &lt;payment id&gt;</code>"
	textApproveUsage   = "Usage: <code>/approvepayment &lt;payment id&gt;</code>"
	textNoGroup        = "⚠️ No broadcast group is configured."
	textNoPending      = "✅ There are no pending payments."
	textGroupRedirect  = "👋 Please message me privately to use this command."
)

func textOnboarding(name string) string {
	greeting := "👋 Welcome!"
	if name = strings.TrimSpace(name); name != "" {
		greeting = fmt.Sprintf("👋 Welcome, %s!", html.EscapeString(name))
	}
	return greeting + "\n\nThis bot delivers members-only updates. To get started, connect your portal account:\n" +
		"1. Log in to the website and open your dashboard.\n" +
		"2. Generate a Telegram connection token.\n" +
		"3. Send it here with <code>/token &lt;value&gt;</code>."
}

const textConnectSteps = "🔗 <b>Connect your account</b>\n\n" +
	"1. Log in to the website and open your dashboard.\n" +
	"2. Generate a Telegram connection token (valid for 10 minutes).\n" +
	"3. Send it here with <code>/token &lt;value&gt;</code>."

const textHaveToken = "🔑 Send your token like this:\n<code>/token &lt;value&gt;</code>"

func textConnected(p linking.Profile) string {
	status := "❌ inactive"
	if p.PaymentStatus {
		status = "✅ active"
	}
	return fmt.Sprintf(
		"✅ <b>Connected!</b>\n\nName: %s\nEmail: %s\nRole: %s\nPayment status: %s",
		html.EscapeString(strings.TrimSpace(p.FirstName+" "+p.LastName)),
		html.EscapeString(p.Email),
		p.Role,
		status,
	)
}

func textWelcomeBack(acc domain.Account) string {
	return fmt.Sprintf("👋 Welcome back, %s! What would you like to do?", html.EscapeString(acc.DisplayName()))
}

func textMenu(acc domain.Account) string {
	if acc.IsAdmin() {
		return "🛠 <b>Admin menu</b>"
	}
	return "📋 <b>Menu</b>"
}

func textStatus(acc domain.Account, expiresAt *time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "👤 <b>%s</b>\nEmail: %s\nRole: %s\n", html.EscapeString(acc.DisplayName()), html.EscapeString(acc.Email), acc.Role)
	if acc.IsAdmin() {
		b.WriteString("Access: ✅ administrator")
		return b.String()
	}
	if acc.Eligible {
		b.WriteString("Payment status: ✅ active")
		if expiresAt != nil {
			fmt.Fprintf(&b, "\nAccess until: %s", expiresAt.UTC().Format("2006-01-02"))
		}
	} else {
		b.WriteString("Payment status: ❌ inactive\nUse /payment to subscribe.")
	}
	return b.String()
}

func textHelp(admin bool) string {
	text := "ℹ️ <b>Commands</b>\n" +
		"/connect - how to connect your account\n" +
		"/token &lt;value&gt; - connect with a token\n" +
		"/status - your account and payment status\n" +
		"/payment - browse services and pay\n" +
		"/uploadreceipt - send your payment receipt\n" +
		"/howtojoin - join the members group\n" +
		"/logout - disconnect this Telegram account"
	if admin {
		text += "\n\n🛠 <b>Admin</b>\n" +
			"/broadcast &lt;text&gt; - message every paid member\n" +
			"/paidmessage &lt;text&gt; - post to the group and members in it\n" +
			"/togglepayment &lt;id&gt; - flip completed/pending\n" +
			"/approvepayment &lt;id&gt; - approve a payment\n" +
			"/pending - list pending payments\n" +
			"/stats - member statistics"
	}
	return text
}

func textCatalog(items []catalog.Item, currency, instructions string) string {
	var b strings.Builder
	b.WriteString("💳 <b>Services</b>\n")
	for _, item := range items {
		fmt.Fprintf(&b, "\n<b>%s</b> - %s\n%s\n", html.EscapeString(item.Service.Name), formatAmount(item.Service.Price, currency), html.EscapeString(item.Service.Description))
	}
	b.WriteString("\nChoose a service below.")
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		b.WriteString("\n\n" + html.EscapeString(instructions))
	}
	return b.String()
}

func textServiceSelected(s domain.Service, currency, instructions string) string {
	text := fmt.Sprintf(
		"🧾 You selected <b>%s</b> (%s).\n\nMake the bank transfer, then send a photo or document of the receipt here.",
		html.EscapeString(s.Name), formatAmount(s.Price, currency),
	)
	if instructions = strings.TrimSpace(instructions); instructions != "" {
		text += "\n\n" + html.EscapeString(instructions)
	}
	return text
}

func textUploadPrompt(selected *domain.Service) string {
	text := "📎 Send a photo or document of your transfer receipt in this chat."
	if selected != nil {
		text += fmt.Sprintf("\nIt will be recorded for <b>%s</b>.", html.EscapeString(selected.Name))
	} else {
		text += "\nTip: pick a service with /payment first so the receipt is matched to it."
	}
	return text
}

func textReceiptReceived(p domain.Payment) string {
	return fmt.Sprintf(
		"✅ Receipt received for <b>%s</b>.\nPayment id: <code>%s</code>\nStatus: pending review. You will be notified once it is approved.",
		html.EscapeString(p.Service.Name), p.ID.Hex(),
	)
}

func textReceiptForAdmin(p domain.Payment, from string) string {
	return fmt.Sprintf(
		"🧾 <b>New receipt</b>\nFrom: %s (%s)\nService: %s\nAmount: %s\nPayment id: <code>%s</code>",
		html.EscapeString(from), html.EscapeString(p.Email), html.EscapeString(p.Service.Name),
		formatAmount(p.Amount, p.Currency), p.ID.Hex(),
	)
}

func textHowToJoin(eligible bool, link string) string {
	switch {
	case !eligible:
		return "🔒 The members group is available after your payment is approved. Use /payment to subscribe."
	case link == "":
		return "✅ Your access is active. Ask an administrator for the group invite link."
	default:
		return "✅ Your access is active. Tap the button below to join the members group."
	}
}

func textPaymentResult(action string, r ledger.Result) string {
	eligible := "❌ inactive"
	if r.Eligible {
		eligible = "✅ active"
	}
	return fmt.Sprintf(
		"✅ Payment <code>%s</code> %s.\nStatus: %s\nMember: %s\nMember access: %s",
		r.Payment.ID.Hex(), action, r.Payment.Status, html.EscapeString(r.Member.Email), eligible,
	)
}

func textPending(payments []domain.Payment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🕒 <b>Pending payments</b> (%d)\n", len(payments))
	for _, p := range payments {
		fmt.Fprintf(&b, "\n<code>%s</code>\n%s - %s - %s\n", p.ID.Hex(), html.EscapeString(p.Email), html.EscapeString(p.Service.Name), formatAmount(p.Amount, p.Currency))
	}
	return b.String()
}

func textStats(s domain.Stats) string {
	return fmt.Sprintf(
		"📊 <b>Stats</b>\nMembers: %d\nConnected: %d\nActive: %d\nPending payments: %d",
		s.Members, s.LinkedMembers, s.EligibleMembers, s.PendingPayments,
	)
}

func formatAmount(amount float64, currency string) string {
	if currency == "" {
		return fmt.Sprintf("%.2f", amount)
	}
	return fmt.Sprintf("%.2f %s", amount, currency)
}

func onboardingKeyboard(tutorialURL string) messaging.Keyboard {
	kb := messaging.Keyboard{}
	if tutorialURL != "" {
		kb = append(kb, messaging.Row(messaging.Link("🎬 Watch tutorial", tutorialURL)))
	}
	return append(kb,
		messaging.Row(messaging.Callback("🔑 I have a token", cbHaveToken)),
		messaging.Row(messaging.Callback("🔗 How to connect", cbConnect), messaging.Callback("ℹ️ Help", cbHelp)),
	)
}

func menuKeyboard(acc domain.Account) messaging.Keyboard {
	if acc.IsAdmin() {
		return messaging.Keyboard{
			messaging.Row(messaging.Callback("🕒 Pending payments", cbAdmPending), messaging.Callback("📊 Stats", cbAdmStats)),
			messaging.Row(messaging.Callback("👤 Status", cbStatus), messaging.Callback("ℹ️ Help", cbHelp)),
			messaging.Row(messaging.Callback("🚪 Logout", cbLogout)),
		}
	}
	return messaging.Keyboard{
		messaging.Row(messaging.Callback("👤 Status", cbStatus), messaging.Callback("💳 Payment", cbPayment)),
		messaging.Row(messaging.Callback("📎 Upload receipt", cbUpload), messaging.Callback("👥 How to join", cbHowToJoin)),
		messaging.Row(messaging.Callback("ℹ️ Help", cbHelp), messaging.Callback("🚪 Logout", cbLogout)),
	}
}

func catalogKeyboard(items []catalog.Item, currency string) messaging.Keyboard {
	kb := make(messaging.Keyboard, 0, len(items)+1)
	for _, item := range items {
		label := fmt.Sprintf("%s - %s", item.Service.Name, formatAmount(item.Service.Price, currency))
		kb = append(kb, messaging.Row(messaging.Callback(label, cbService+item.Code)))
	}
	return append(kb, messaging.Row(messaging.Callback("⬅️ Menu", cbMenu)))
}

func uploadKeyboard() messaging.Keyboard {
	return messaging.Keyboard{
		messaging.Row(messaging.Callback("📎 Upload receipt", cbUpload)),
		messaging.Row(messaging.Callback("⬅️ Menu", cbMenu)),
	}
}

func paymentActionsKeyboard(paymentID string) messaging.Keyboard {
	return messaging.Keyboard{
		messaging.Row(
			messaging.Callback("🔁 Toggle", cbAdmToggle+paymentID),
			messaging.Callback("✅ Approve", cbAdmApprove+paymentID),
		),
	}
}

func joinKeyboard(link string) messaging.Keyboard {
	if link == "" {
		return nil
	}
	return messaging.Keyboard{messaging.Row(messaging.Link("👥 Join the group", link))}
}

func redirectKeyboard(botUsername string) messaging.Keyboard {
	if botUsername == "" {
		return nil
	}
	return messaging.Keyboard{messaging.Row(messaging.Link("💬 Open private chat", "https://t.me/"+botUsername+"?start"))}
}
