// Package backend defines the contract for the Bing Chat client and a
// gateway-based implementation.
//
// The chat protocol itself is not implemented here. A Conversation is an
// opaque handle bound to one credential's authentication context; the
// engine creates one lazily per user session and discards it on reset.
package backend

import (
	"context"
	"fmt"
)

// Style is the Bing conversation style for a prompt
type Style string

const (
	StyleCreative Style = "creative"
	StyleBalanced Style = "balanced"
	StylePrecise  Style = "precise"
)

// ParseStyle validates a configured conversation style
func ParseStyle(s string) (Style, error) {
	switch Style(s) {
	case StyleCreative, StyleBalanced, StylePrecise:
		return Style(s), nil
	case "":
		return StyleBalanced, nil
	default:
		return "", fmt.Errorf("invalid conversation style: %q", s)
	}
}

// Conversation is one ongoing backend conversation. Ask returns the raw
// reply payload; callers classify it, this package does not interpret it.
type Conversation interface {
	Ask(ctx context.Context, prompt string, style Style) ([]byte, error)
	Close() error
}

// Dialer opens a new Conversation authenticated by the credential file at
// the given path. The engine holds one Dialer; tests inject fakes.
type Dialer func(credentialPath string) (Conversation, error)
