// Package channel adapts outbound replies to the channel they leave through.
package channel

import (
	"regexp"

	"delegate-assistant/internal/domain"
)

const (
	whatsAppLimit = 4000
	telegramLimit = 4096
	ellipsis      = "..."
)

var (
	blankRuns  = regexp.MustCompile(`\n{3,}`)
	mdBold     = regexp.MustCompile(`\*\*(.*?)\*\*`)
	mdUnderbar = regexp.MustCompile(`__(.*?)__`)
)

// Format returns text as it should be delivered on ch. Web replies are
// returned unchanged.
func Format(ch domain.Channel, text string) string {
	switch ch {
	case domain.ChannelWhatsApp:
		text = truncate(text, whatsAppLimit)
		text = blankRuns.ReplaceAllString(text, "\n\n")
		text = mdBold.ReplaceAllString(text, "*$1*")
		return mdUnderbar.ReplaceAllString(text, "_${1}_")
	case domain.ChannelTelegram:
		text = blankRuns.ReplaceAllString(text, "\n\n")
		return truncate(text, telegramLimit)
	default:
		return text
	}
}

// truncate cuts text to at most limit runes, marking the cut with an ellipsis.
func truncate(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}
