package core

import (
	"errors"

	"github.com/mellowbot/bingchat/internal/bot"
)

// ErrPermissionDenied reports that the sender or group is not authorized.
// Terminal for the current command, never retried.
var ErrPermissionDenied = errors.New("permission denied")

// checkPermission enforces the group allow/deny lists. Superusers bypass
// every check; direct messages are always allowed.
func (e *Engine) checkPermission(msg bot.Message) error {
	if e.config.IsSuperuser(msg.UserID) {
		return nil
	}

	if msg.Direct || msg.GroupID == 0 {
		return nil
	}

	switch e.config.Security.GroupFilterMode {
	case "whitelist":
		if !containsID(e.config.Security.GroupWhitelist, msg.GroupID) {
			return ErrPermissionDenied
		}
	case "blacklist":
		if containsID(e.config.Security.GroupBlacklist, msg.GroupID) {
			return ErrPermissionDenied
		}
	}

	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
