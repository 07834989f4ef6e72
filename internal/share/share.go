package share

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Boinkkk/PASTI-sub000/internal/session"
)

// Payload is the shareable form of a session's token: the canonical
// redemption link, a QR payload and a ready-to-send message body. Actual
// delivery (WhatsApp, email, QR rendering) belongs to the consumers.
type Payload struct {
	URL         string `json:"url"`
	QRValue     string `json:"qr_value"`
	MessageText string `json:"message_text"`
}

// RedemptionURL builds the canonical redemption link for a token.
func RedemptionURL(baseURL, token string) (string, error) {
	if token == "" {
		return "", errors.New("token required")
	}
	return strings.TrimRight(baseURL, "/") + "/attendance/redeem/" + token, nil
}

// BuildPayload renders a session's share payload. The QR value is the
// redemption link itself so any QR renderer produces a scannable shortcut.
func BuildPayload(baseURL string, s session.Session) (Payload, error) {
	url, err := RedemptionURL(baseURL, s.Token)
	if err != nil {
		return Payload{}, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Attendance for meeting %s\n", s.MeetingID)
	fmt.Fprintf(&b, "Link: %s\n", url)
	if s.ClosesAt != nil {
		fmt.Fprintf(&b, "Closes at: %s\n", s.ClosesAt.Format(time.RFC1123))
	}
	b.WriteString("Open the link to mark your attendance.")

	return Payload{
		URL:         url,
		QRValue:     url,
		MessageText: b.String(),
	}, nil
}
