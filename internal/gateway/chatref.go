package gateway

import (
	"errors"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

var ErrPrivateLink = errors.New("private invite links cannot be resolved; send the public @username or the numeric chat id")

var ErrBadChatRef = errors.New("not a chat link, @username or chat id")

// ParseChatRef turns user input into a chat identifier. It accepts numeric
// ids, @usernames and public t.me / telegram.me links.
func ParseChatRef(ref string) (telego.ChatID, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return telego.ChatID{}, ErrBadChatRef
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return tu.ID(id), nil
	}
	if strings.HasPrefix(ref, "@") {
		return usernameRef(ref[1:])
	}

	link := strings.TrimPrefix(strings.TrimPrefix(ref, "https://"), "http://")
	for _, host := range []string{"t.me/", "telegram.me/", "www.t.me/"} {
		if !strings.HasPrefix(link, host) {
			continue
		}
		path := strings.TrimPrefix(link, host)
		if strings.HasPrefix(path, "+") || strings.HasPrefix(path, "joinchat/") {
			return telego.ChatID{}, ErrPrivateLink
		}
		if i := strings.IndexAny(path, "/?#"); i >= 0 {
			path = path[:i]
		}
		return usernameRef(path)
	}
	return telego.ChatID{}, ErrBadChatRef
}

func usernameRef(name string) (telego.ChatID, error) {
	if len(name) < 4 || len(name) > 32 {
		return telego.ChatID{}, ErrBadChatRef
	}
	for _, r := range name {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return telego.ChatID{}, ErrBadChatRef
		}
	}
	return tu.Username("@" + name), nil
}
