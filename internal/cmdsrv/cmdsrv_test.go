package cmdsrv_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/g7ctrl/g7ctrld/internal/cmdsrv"
	"github.com/g7ctrl/g7ctrld/internal/dispatch"
	"github.com/g7ctrl/g7ctrld/internal/proto"
	"github.com/g7ctrl/g7ctrld/internal/replytext"
)

type fakeWriter struct {
	t       *testing.T
	replyOK bool
	payload string
	disp    *dispatch.Dispatcher
}

func (f *fakeWriter) WriteCommand(target dispatch.Target, line string) error {
	cmd, err := proto.ParseCommand(line)
	if err != nil {
		f.t.Fatalf("dispatcher produced an unparsable command %q: %v", line, err)
	}
	reply, err := proto.FormatReply(f.replyOK, cmd.Name, cmd.Tag, f.payload)
	if err != nil {
		f.t.Fatalf("FormatReply: %v", err)
	}
	parsed, _ := proto.ParseReply(reply)
	go f.deliver(target, parsed)
	return nil
}

func (f *fakeWriter) deliver(target dispatch.Target, reply *proto.Reply) {
	f.disp.DeliverReply(target, reply)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, replyOK bool, payload string) (*dispatch.Dispatcher, *fakeWriter) {
	w := &fakeWriter{t: t, replyOK: replyOK, payload: payload}
	d := dispatch.New(w, replytext.Default())
	w.disp = d
	return d, w
}

func TestRunDeviceCommandRoundTrip(t *testing.T) {
	t.Parallel()

	disp, _ := newHarness(t, true, "1")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	worker := cmdsrv.New(cmdsrv.Config{
		Dispatcher: disp,
		Translator: replytext.Default(),
		Logger:     discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { worker.Run(ctx, serverConn, 0); close(done) }()

	br := bufio.NewReader(clientConn)
	readLine(t, br) // "Ready."

	if _, err := clientConn.Write([]byte("get STA\r\n")); err != nil {
		t.Fatalf("write command: %v", err)
	}

	got := readLine(t, br)
	if !strings.HasPrefix(got, "OK:") {
		t.Errorf("reply = %q, want an OK: line", got)
	}

	clientConn.Close()
	<-done
}

func TestRunMetaTargetAndUSB(t *testing.T) {
	t.Parallel()

	disp, _ := newHarness(t, true, "")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	worker := cmdsrv.New(cmdsrv.Config{
		Dispatcher: disp,
		Logger:     discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { worker.Run(ctx, serverConn, 0); close(done) }()

	br := bufio.NewReader(clientConn)
	readLine(t, br) // "Ready."

	clientConn.Write([]byte(".use 1234567890\r\n"))
	got := readLine(t, br)
	if !strings.Contains(got, "device:1234567890") {
		t.Errorf(".use reply = %q, want it to mention device:1234567890", got)
	}

	clientConn.Write([]byte(".target\r\n"))
	got = readLine(t, br)
	if !strings.Contains(got, "device:1234567890") {
		t.Errorf(".target reply = %q, want it to mention device:1234567890", got)
	}

	clientConn.Write([]byte(".usb 2\r\n"))
	got = readLine(t, br)
	if !strings.Contains(got, "usb:2") {
		t.Errorf(".usb reply = %q, want it to mention usb:2", got)
	}

	clientConn.Write([]byte("exit\r\n"))
	readLine(t, br)

	clientConn.Close()
	<-done
}

func TestRunRejectsUnknownCommandWhenRawCommandsDisabled(t *testing.T) {
	t.Parallel()

	disp, _ := newHarness(t, true, "1")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	worker := cmdsrv.New(cmdsrv.Config{
		Dispatcher:              disp,
		Translator:              replytext.Default(),
		EnableRawDeviceCommands: false,
		Logger:                  discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { worker.Run(ctx, serverConn, 0); close(done) }()

	br := bufio.NewReader(clientConn)
	readLine(t, br) // "Ready."

	clientConn.Write([]byte("get ZZZ\r\n"))
	got := readLine(t, br)
	if !strings.HasPrefix(got, "ERR:") {
		t.Errorf("reply = %q, want ERR: for an unknown command", got)
	}

	clientConn.Close()
	<-done
}

func TestRunAllowsUnknownCommandWhenRawCommandsEnabled(t *testing.T) {
	t.Parallel()

	disp, _ := newHarness(t, true, "1")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	worker := cmdsrv.New(cmdsrv.Config{
		Dispatcher:              disp,
		Translator:              replytext.Default(),
		EnableRawDeviceCommands: true,
		Logger:                  discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { worker.Run(ctx, serverConn, 0); close(done) }()

	br := bufio.NewReader(clientConn)
	readLine(t, br) // "Ready."

	clientConn.Write([]byte("get ZZZ\r\n"))
	got := readLine(t, br)
	if !strings.HasPrefix(got, "OK:") {
		t.Errorf("reply = %q, want OK: when raw device commands are enabled", got)
	}

	clientConn.Close()
	<-done
}

func TestRunClosesAfterIdleTimeout(t *testing.T) {
	t.Parallel()

	disp, _ := newHarness(t, true, "")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	worker := cmdsrv.New(cmdsrv.Config{
		Dispatcher:  disp,
		IdleTimeout: 20 * time.Millisecond,
		Logger:      discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { worker.Run(ctx, serverConn, 0); close(done) }()

	br := bufio.NewReader(clientConn)
	readLine(t, br) // "Ready."

	if got := readLine(t, br); got != "ERR: idle timeout" {
		t.Errorf("idle reply = %q, want %q", got, "ERR: idle timeout")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the client idle timeout elapsed")
	}
}

func TestRunAuthenticationFailureCloses(t *testing.T) {
	t.Parallel()

	disp, _ := newHarness(t, true, "")

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	worker := cmdsrv.New(cmdsrv.Config{
		Dispatcher:   disp,
		AuthRequired: true,
		Password:     "secret",
		Logger:       discardLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() { worker.Run(ctx, serverConn, 0); close(done) }()

	br := bufio.NewReader(clientConn)

	var got string
	for i := 0; i < 3; i++ {
		readLine(t, br) // "Password:"
		clientConn.Write([]byte("wrong\r\n"))
		got = readLine(t, br) // "Authentication failed."
	}

	if !strings.Contains(got, "Authentication failed") {
		t.Errorf("reply = %q, want authentication failure", got)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after exhausting auth attempts")
	}
}

func readLine(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	line, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}
