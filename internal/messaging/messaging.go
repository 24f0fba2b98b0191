// Package messaging holds the transport-neutral outbound surface shared by the
// dispatcher, the broadcast engine and the scheduler.
package messaging

import "context"

// Button is one inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Keyboard is a grid of inline buttons, one slice per row.
type Keyboard [][]Button

// Row builds a keyboard row.
func Row(buttons ...Button) []Button {
	return buttons
}

// Callback returns a button that posts data back to the bot.
func Callback(text, data string) Button {
	return Button{Text: text, Data: data}
}

// Link returns a button that opens url.
func Link(text, url string) Button {
	return Button{Text: text, URL: url}
}

// Messenger delivers messages to chats. Implementations bound every call with
// a timeout and report failures wrapped in domain.ErrTransport.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string, kb Keyboard) error
	Copy(ctx context.Context, toChatID, fromChatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// MembershipChecker answers whether a user currently belongs to a group.
type MembershipChecker interface {
	IsMember(ctx context.Context, groupID, userID int64) (bool, error)
}
