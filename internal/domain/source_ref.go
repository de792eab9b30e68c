package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// channelIDOffset is the Bot API convention for addressing channels by a
// negative id: -100xxxxxxxxxx.
const channelIDOffset = 1_000_000_000_000

var usernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{3,31}$`)

// SourceRef locates a file on the remote provider: the message that carries
// it inside a chat. A chat is either a public username or a numeric peer id.
type SourceRef struct {
	Username  string
	ChatID    int64
	MessageID int
}

// ParseSourceRef accepts "<chat>/<message>", "<chat>:<message>" and t.me links
// (https://t.me/<username>/<id>, https://t.me/c/<channel>/<id>).
func ParseSourceRef(s string) (SourceRef, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return SourceRef{}, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	for _, prefix := range []string{"https://", "http://"} {
		raw = strings.TrimPrefix(raw, prefix)
	}
	isLink := false
	for _, host := range []string{"t.me/", "telegram.me/"} {
		if strings.HasPrefix(raw, host) {
			raw = strings.TrimPrefix(raw, host)
			isLink = true
			break
		}
	}
	if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}

	var parts []string
	if strings.Contains(raw, "/") {
		parts = strings.Split(strings.Trim(raw, "/"), "/")
	} else {
		parts = strings.Split(raw, ":")
	}

	// t.me/c/<channel>/<message> addresses a private channel by internal id
	if isLink && len(parts) == 3 && parts[0] == "c" {
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || id <= 0 {
			return SourceRef{}, fmt.Errorf("%w: bad channel id %q", ErrInvalidReference, parts[1])
		}
		msg, err := parseMessageID(parts[2])
		if err != nil {
			return SourceRef{}, err
		}
		return SourceRef{ChatID: -(channelIDOffset + id), MessageID: msg}, nil
	}

	if len(parts) != 2 {
		return SourceRef{}, fmt.Errorf("%w: expected <chat>/<message>, got %q", ErrInvalidReference, s)
	}

	msg, err := parseMessageID(parts[1])
	if err != nil {
		return SourceRef{}, err
	}

	chat := strings.TrimPrefix(parts[0], "@")
	if id, err := strconv.ParseInt(chat, 10, 64); err == nil {
		if id == 0 {
			return SourceRef{}, fmt.Errorf("%w: chat id must not be zero", ErrInvalidReference)
		}
		return SourceRef{ChatID: id, MessageID: msg}, nil
	}
	if !usernamePattern.MatchString(chat) {
		return SourceRef{}, fmt.Errorf("%w: bad chat %q", ErrInvalidReference, parts[0])
	}
	return SourceRef{Username: strings.ToLower(chat), MessageID: msg}, nil
}

func parseMessageID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: bad message id %q", ErrInvalidReference, s)
	}
	return id, nil
}

// String returns the canonical "<chat>/<message>" form that is persisted
func (r SourceRef) String() string {
	return fmt.Sprintf("%s/%d", r.Chat(), r.MessageID)
}

// Chat returns the username or the numeric chat id as text
func (r SourceRef) Chat() string {
	if r.Username != "" {
		return r.Username
	}
	return strconv.FormatInt(r.ChatID, 10)
}

// IsChannel reports whether ChatID uses the -100 channel form
func (r SourceRef) IsChannel() bool {
	return r.Username == "" && r.ChatID <= -channelIDOffset
}

// ChannelID returns the bare channel id for -100 style chat ids
func (r SourceRef) ChannelID() int64 {
	return -r.ChatID - channelIDOffset
}

// FallbackFileName names the local file when the caller gave no display name
func (r SourceRef) FallbackFileName() string {
	return fmt.Sprintf("%s_%d", strings.TrimPrefix(r.Chat(), "-"), r.MessageID)
}
