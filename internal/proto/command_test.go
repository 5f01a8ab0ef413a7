package proto_test

import (
	"errors"
	"testing"

	"github.com/g7ctrl/g7ctrld/internal/proto"
)

func TestFormatParseCommandRoundTrip(t *testing.T) {
	t.Parallel()

	line, err := proto.FormatCommand("IMEI", "0001", []string{"?"})
	if err != nil {
		t.Fatalf("FormatCommand() error: %v", err)
	}
	if line != "$IMEI+0001=?\r\n" {
		t.Errorf("FormatCommand() = %q, want %q", line, "$IMEI+0001=?\r\n")
	}

	cmd, err := proto.ParseCommand(line)
	if err != nil {
		t.Fatalf("ParseCommand() error: %v", err)
	}
	if cmd.Name != "IMEI" || cmd.Tag != "0001" || len(cmd.Args) != 1 || cmd.Args[0] != "?" {
		t.Errorf("ParseCommand() = %+v, want Name=IMEI Tag=0001 Args=[?]", cmd)
	}
}

// TestReplyRoundTrip exercises the spec's seed scenario 3: the device
// replies $OK:IMEI+0001=123456789012345.
func TestReplyRoundTrip(t *testing.T) {
	t.Parallel()

	line, err := proto.FormatReply(true, "IMEI", "0001", "123456789012345")
	if err != nil {
		t.Fatalf("FormatReply() error: %v", err)
	}
	if line != "$OK:IMEI+0001=123456789012345\r\n" {
		t.Errorf("FormatReply() = %q", line)
	}

	reply, err := proto.ParseReply(line)
	if err != nil {
		t.Fatalf("ParseReply() error: %v", err)
	}
	if !reply.OK || reply.Name != "IMEI" || reply.Tag != "0001" || reply.Payload != "123456789012345" {
		t.Errorf("ParseReply() = %+v", reply)
	}
}

func TestParseReplyErr(t *testing.T) {
	t.Parallel()

	reply, err := proto.ParseReply("$ERR:IMEI+0001=404\r\n")
	if err != nil {
		t.Fatalf("ParseReply() error: %v", err)
	}
	if reply.OK {
		t.Error("OK = true, want false")
	}
	if reply.Payload != "404" {
		t.Errorf("Payload = %q, want 404", reply.Payload)
	}
}

func TestIsReplyLine(t *testing.T) {
	t.Parallel()

	if !proto.IsReplyLine([]byte("$OK:IMEI+0001=x\r\n")) {
		t.Error("IsReplyLine() = false for $OK, want true")
	}
	if !proto.IsReplyLine([]byte("$ERR:IMEI+0001=x\r\n")) {
		t.Error("IsReplyLine() = false for $ERR, want true")
	}
	if proto.IsReplyLine([]byte("$IMEI+0001=x\r\n")) {
		t.Error("IsReplyLine() = true for a command, want false")
	}
}

func TestFormatCommandValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cmdName string
		tag     string
		args    []string
		wantErr error
	}{
		{"name too long", "WAYTOOLONGCOMMANDNAME", "0001", nil, proto.ErrCommandNameLen},
		{"bad tag", "IMEI", "1", nil, proto.ErrBadTag},
		{"arg with CR", "IMEI", "0001", []string{"a\r"}, proto.ErrMalformedCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := proto.FormatCommand(tt.cmdName, tt.tag, tt.args)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseCommandMalformed(t *testing.T) {
	t.Parallel()

	tests := []string{
		"not a command",
		"$missingequals+0001",
		"$IMEI+abcd=?\r\n",
	}

	for _, line := range tests {
		if _, err := proto.ParseCommand(line); err == nil {
			t.Errorf("ParseCommand(%q) returned nil error", line)
		}
	}
}
