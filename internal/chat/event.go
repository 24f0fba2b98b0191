package chat

import "strings"

// Scope tells whether an event came from a private chat or a group.
type Scope int

const (
	ScopePrivate Scope = iota
	ScopeGroup
)

func (s Scope) String() string {
	if s == ScopeGroup {
		return "group"
	}
	return "private"
}

// Kind classifies an incoming event.
type Kind int

const (
	KindText Kind = iota
	KindCommand
	KindCallback
	KindPhoto
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindCallback:
		return "callback"
	case KindPhoto:
		return "photo"
	case KindDocument:
		return "document"
	default:
		return "text"
	}
}

// File references an uploaded attachment.
type File struct {
	ID   string
	Name string
}

// Event is one transport-neutral chat update.
type Event struct {
	Scope      Scope
	Kind       Kind
	ChatID     int64
	SenderID   int64
	SenderName string
	MessageID  int

	// Command is lower-cased and stripped of the leading slash and any @bot suffix.
	Command string
	Args    string
	Text    string

	CallbackID   string
	CallbackData string

	File File
}

// ParseCommand splits "/Cmd@bot args" into ("cmd", "args"). ok is false when
// text is not a command.
func ParseCommand(text string) (command, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}

	head, rest, _ := strings.Cut(text[1:], " ")
	if at := strings.IndexByte(head, '@'); at >= 0 {
		head = head[:at]
	}
	if head == "" {
		return "", "", false
	}

	return strings.ToLower(head), strings.TrimSpace(rest), true
}
