package notify

import "testing"

func TestSendWithNoRecipientsIsNoop(t *testing.T) {
	t.Parallel()

	n := New(Config{Host: "smtp.example.invalid", Port: 587})

	if err := n.Send("subject", "body"); err != nil {
		t.Errorf("Send() with no recipients error = %v, want nil", err)
	}
}

func TestGfenAlertText(t *testing.T) {
	t.Parallel()

	subject, body := gfenAlertText(1234567890, 59.36647, 17.96103)

	if subject != "Geofence event: device 1234567890" {
		t.Errorf("subject = %q", subject)
	}
	if body != "Device 1234567890 triggered a geofence event at 59.366470, 17.961030" {
		t.Errorf("body = %q", body)
	}
}
