package domain

import (
	"fmt"
	"strings"
)

// Channel identifies where an inbound message came from and where its reply
// is delivered.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
)

// ParseChannel maps a source name to a Channel. "api" is accepted as an alias
// for the web widget.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "web", "api", "":
		return ChannelWeb, nil
	case "whatsapp":
		return ChannelWhatsApp, nil
	case "telegram":
		return ChannelTelegram, nil
	default:
		return "", fmt.Errorf("domain: unknown channel %q", s)
	}
}

// External reports whether replies must be pushed through an outbound sender.
// Web replies are read back by polling the transcript.
func (c Channel) External() bool {
	return c == ChannelWhatsApp || c == ChannelTelegram
}
