package cmdwriter_test

import (
	"testing"

	"github.com/g7ctrl/g7ctrld/internal/cmdwriter"
	"github.com/g7ctrl/g7ctrld/internal/dispatch"
	"github.com/g7ctrl/g7ctrld/internal/usbserial"
)

type fakeGPRSWriter struct {
	lastTarget dispatch.Target
	lastLine   string
	err        error
}

func (f *fakeGPRSWriter) WriteCommand(target dispatch.Target, line string) error {
	f.lastTarget = target
	f.lastLine = line
	return f.err
}

func TestWriteCommandRoutesGPRSTargets(t *testing.T) {
	t.Parallel()

	gprs := &fakeGPRSWriter{}
	w := cmdwriter.New(usbserial.NewManager(), gprs)

	target := dispatch.GPRS(1234567890)
	if err := w.WriteCommand(target, "$STA+0001=\r\n"); err != nil {
		t.Fatalf("WriteCommand() error: %v", err)
	}
	if gprs.lastTarget != target {
		t.Errorf("gprs writer got target %+v, want %+v", gprs.lastTarget, target)
	}
	if gprs.lastLine != "$STA+0001=\r\n" {
		t.Errorf("gprs writer got line %q", gprs.lastLine)
	}
}

func TestWriteCommandUSBTargetWithNoOpenPortErrors(t *testing.T) {
	t.Parallel()

	w := cmdwriter.New(usbserial.NewManager(), &fakeGPRSWriter{})

	err := w.WriteCommand(dispatch.USB(0), "$STA+0001=\r\n")
	if err == nil {
		t.Fatal("WriteCommand() error = nil, want an error for an unopened USB index")
	}
}
