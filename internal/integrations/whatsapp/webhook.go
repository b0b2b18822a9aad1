// Package whatsapp decodes WhatsApp Cloud API webhooks and sends replies
// through the Graph API.
package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type Kind string

const (
	KindText     Kind = "TEXT"
	KindMedia    Kind = "MEDIA"
	KindLocation Kind = "LOCATION"
)

// Inbound is one user message decoded from a webhook delivery.
type Inbound struct {
	ID        string
	From      string
	Kind      Kind
	Text      string
	MediaType string
	MediaID   string
	Latitude  float64
	Longitude float64
	SentAt    time.Time
}

// Status is a delivery receipt for a message we sent.
type Status struct {
	MessageID string
	Status    string
	Recipient string
}

// Webhook is the decoded payload of one delivery.
type Webhook struct {
	Messages []Inbound
	Statuses []Status
}

type payload struct {
	Entry []struct {
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				Contacts []struct {
					WaID string `json:"wa_id"`
				} `json:"contacts"`
				Messages []wireMessage `json:"messages"`
				Statuses []struct {
					ID          string `json:"id"`
					Status      string `json:"status"`
					RecipientID string `json:"recipient_id"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type wireMedia struct {
	ID      string `json:"id"`
	Caption string `json:"caption"`
}

type wireMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    wireMedia `json:"image"`
	Audio    wireMedia `json:"audio"`
	Video    wireMedia `json:"video"`
	Document wireMedia `json:"document"`
	Location struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
		Address   string  `json:"address"`
	} `json:"location"`
}

// ParseWebhook decodes a webhook body. Changes other than "messages" are
// ignored, as are messages without a sender or of an unsupported type.
func ParseWebhook(body []byte) (Webhook, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Webhook{}, fmt.Errorf("whatsapp: decode webhook: %w", err)
	}
	var out Webhook
	for _, entry := range p.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			v := change.Value
			for _, s := range v.Statuses {
				if s.ID == "" || s.Status == "" {
					continue
				}
				out.Statuses = append(out.Statuses, Status{MessageID: s.ID, Status: strings.ToUpper(s.Status), Recipient: s.RecipientID})
			}
			var contact string
			if len(v.Contacts) > 0 {
				contact = v.Contacts[0].WaID
			}
			for _, m := range v.Messages {
				from := contact
				if from == "" {
					from = m.From
				}
				if from == "" {
					continue
				}
				in, ok := decodeMessage(m)
				if !ok {
					continue
				}
				in.From = from
				out.Messages = append(out.Messages, in)
			}
		}
	}
	return out, nil
}

func decodeMessage(m wireMessage) (Inbound, bool) {
	in := Inbound{ID: m.ID}
	if sec, err := strconv.ParseInt(m.Timestamp, 10, 64); err == nil {
		in.SentAt = time.Unix(sec, 0).UTC()
	}
	switch m.Type {
	case "text":
		in.Kind = KindText
		in.Text = m.Text.Body
	case "image", "video", "document":
		media := map[string]wireMedia{"image": m.Image, "video": m.Video, "document": m.Document}[m.Type]
		in.Kind = KindMedia
		in.MediaType = m.Type
		in.MediaID = media.ID
		in.Text = media.Caption
	case "audio":
		in.Kind = KindMedia
		in.MediaType = m.Type
		in.MediaID = m.Audio.ID
	case "location":
		loc := m.Location
		in.Kind = KindLocation
		in.Latitude = loc.Latitude
		in.Longitude = loc.Longitude
		in.Text = fmt.Sprintf("Location: %v, %v", loc.Latitude, loc.Longitude)
		if loc.Name != "" {
			in.Text += "\nName: " + loc.Name
		}
		if loc.Address != "" {
			in.Text += "\nAddress: " + loc.Address
		}
	default:
		return Inbound{}, false
	}
	return in, true
}

// Content is the text stored for the message. Media without a caption is
// shown as "[Type]"; a resolved media URL is appended on its own line.
func (in Inbound) Content(mediaURL string) string {
	if in.Kind != KindMedia {
		return in.Text
	}
	label := strings.ToUpper(in.MediaType[:1]) + in.MediaType[1:]
	content := in.Text
	if content == "" {
		content = "[" + label + "]"
	}
	if mediaURL != "" {
		content += "\n[" + label + ": " + mediaURL + "]"
	}
	return content
}

// VerifySignature checks an X-Hub-Signature-256 header against body. An
// empty secret disables verification.
func VerifySignature(secret, header string, body []byte) bool {
	if secret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(sig), []byte(expected))
}

// Sign returns the X-Hub-Signature-256 header value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallenge answers the subscription handshake. It returns the
// challenge to echo when mode and token match.
func VerifyChallenge(mode, token, challenge, verifyToken string) (string, bool) {
	if mode != "subscribe" || verifyToken == "" || !hmac.Equal([]byte(token), []byte(verifyToken)) {
		return "", false
	}
	return challenge, true
}

var nonDial = regexp.MustCompile(`[^\d+]`)

// CleanPhone strips formatting from a phone number and adds the
// international prefix where it can be inferred.
func CleanPhone(phone string) string {
	phone = strings.TrimPrefix(strings.TrimSpace(phone), "whatsapp:")
	phone = nonDial.ReplaceAllString(phone, "")
	if strings.HasPrefix(phone, "+") {
		return phone
	}
	switch {
	case strings.HasPrefix(phone, "00"):
		return "+" + phone[2:]
	case len(phone) > 10:
		return "+" + phone
	default:
		return phone
	}
}
