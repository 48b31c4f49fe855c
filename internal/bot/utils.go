package bot

import (
	"fmt"
	"strings"

	"github.com/mellowbot/bingchat/pkg/constants"
)

// maskSecret masks sensitive information for logging
func maskSecret(s string) string {
	if len(s) <= constants.MinSecretLengthForMasking {
		return "***"
	}
	return s[:constants.SecretMaskPrefixLength] + "***" + s[len(s)-constants.SecretMaskSuffixLength:]
}

// flattenForward renders forward nodes as numbered text blocks for
// platforms without a native multi-part display
func flattenForward(nodes []ForwardNode) string {
	var b strings.Builder
	for i, node := range nodes {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "#%d %s:\n%s", i+1, node.Name, node.Content)
	}
	return b.String()
}

// truncate cuts a message to the platform limit, keeping the head
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
