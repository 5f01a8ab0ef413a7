// Package notify sends event notifications by email via gopkg.in/mail.v2.
// It is intentionally free of any import from the core protocol/session
// packages: the event pipeline depends on notify, never the reverse, so
// the mail transport stays a pluggable leaf collaborator.
package notify

import (
	"fmt"

	mail "gopkg.in/mail.v2"
)

// Config holds the SMTP connection and envelope defaults for Notifier.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Notifier sends plain-text event notifications.
type Notifier struct {
	cfg    Config
	dialer *mail.Dialer
}

// New builds a Notifier from cfg. It does not connect; DialAndSend opens
// a connection per message.
func New(cfg Config) *Notifier {
	return &Notifier{
		cfg:    cfg,
		dialer: mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}
}

// Send emails subject/body to every configured recipient.
func (n *Notifier) Send(subject, body string) error {
	if len(n.cfg.To) == 0 {
		return nil
	}

	m := mail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", n.cfg.To...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := n.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("notify: send: %w", err)
	}

	return nil
}

// GFENAlert sends the fixed-format geofence-event alert (spec.md's
// "optionally notify" step of the event pipeline).
func (n *Notifier) GFENAlert(deviceID uint64, lat, lon float64) error {
	subject, body := gfenAlertText(deviceID, lat, lon)
	return n.Send(subject, body)
}

func gfenAlertText(deviceID uint64, lat, lon float64) (subject, body string) {
	subject = fmt.Sprintf("Geofence event: device %d", deviceID)
	body = fmt.Sprintf("Device %d triggered a geofence event at %.6f, %.6f", deviceID, lat, lon)
	return subject, body
}
