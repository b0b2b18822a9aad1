package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseChannel(t *testing.T) {
	cases := map[string]Channel{
		"web":      ChannelWeb,
		"API":      ChannelWeb,
		"":         ChannelWeb,
		"WhatsApp": ChannelWhatsApp,
		"telegram": ChannelTelegram,
	}
	for in, want := range cases {
		got, err := ParseChannel(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParseChannel("sms")
	require.Error(t, err)
}

func TestChannelExternal(t *testing.T) {
	require.False(t, ChannelWeb.External())
	require.True(t, ChannelWhatsApp.External())
	require.True(t, ChannelTelegram.External())
}

func TestMessageSynthetic(t *testing.T) {
	require.True(t, Message{Content: "__STATE__:initial"}.Synthetic())
	require.True(t, Message{Content: `__DATA__:{}`}.Synthetic())
	require.False(t, Message{Content: "hola __STATE__:"}.Synthetic())
	require.True(t, Message{Direction: DirectionOut, Content: PlaceholderText}.Pending())
	require.False(t, Message{Direction: DirectionIn}.Pending())
}
