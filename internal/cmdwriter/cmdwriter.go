// Package cmdwriter implements dispatch.Writer by multiplexing between
// the two device transports a command client may target (spec.md
// Section 6): a locally attached USB device, or a GPRS-connected tracker
// reached through internal/trackerhub.
package cmdwriter

import (
	"fmt"

	"github.com/g7ctrl/g7ctrld/internal/dispatch"
	"github.com/g7ctrl/g7ctrld/internal/usbserial"
)

// GPRSWriter is the subset of *trackerhub.Hub this package needs.
type GPRSWriter interface {
	WriteCommand(target dispatch.Target, line string) error
}

// Writer implements dispatch.Writer, routing KindUSB targets through a
// usbserial.Manager and KindGPRS targets through a GPRSWriter.
type Writer struct {
	usb  *usbserial.Manager
	gprs GPRSWriter
}

// New returns a Writer backed by usb and gprs.
func New(usb *usbserial.Manager, gprs GPRSWriter) *Writer {
	return &Writer{usb: usb, gprs: gprs}
}

// WriteCommand implements dispatch.Writer.
func (w *Writer) WriteCommand(target dispatch.Target, line string) error {
	if target.Kind == dispatch.KindGPRS {
		return w.gprs.WriteCommand(target, line)
	}

	port, ok := w.usb.Get(target.USBIndex)
	if !ok {
		return fmt.Errorf("cmdwriter: no USB device open at index %d", target.USBIndex)
	}

	if _, err := port.Write([]byte(line)); err != nil {
		return fmt.Errorf("cmdwriter: usb write: %w", err)
	}
	return nil
}
