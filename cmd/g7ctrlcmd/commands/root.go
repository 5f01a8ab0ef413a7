// Package commands implements the g7ctrlcmd CLI commands.
package commands

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverAddr is the daemon's command-listener address (host:port).
	serverAddr string

	// password authenticates against auth.require_password, sent in
	// response to the daemon's "Password:" prompt.
	password string

	// dialTimeout bounds the initial TCP connect and login handshake.
	dialTimeout time.Duration
)

// rootCmd is the top-level cobra command for g7ctrlcmd.
var rootCmd = &cobra.Command{
	Use:   "g7ctrlcmd",
	Short: "Non-interactive admin CLI for the g7ctrld daemon",
	Long: "g7ctrlcmd opens one TCP connection to the g7ctrld command port per\n" +
		"invocation, logs in if required, runs the requested subcommand's lines,\n" +
		"and prints the daemon's replies.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:3100",
		"g7ctrld command port address (host:port)")
	rootCmd.PersistentFlags().StringVar(&password, "password", "",
		"shared secret for auth.require_password")
	rootCmd.PersistentFlags().DurationVar(&dialTimeout, "timeout", 10*time.Second,
		"connect and per-command timeout")

	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(presetCmd())
	rootCmd.AddCommand(nickCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// session is one dialed command-port connection, authenticated if the
// daemon asked for a password.
type session struct {
	conn net.Conn
	br   *bufio.Reader
}

// dial opens the command connection, completes the "Ready."/"Password:"
// handshake (spec.md Section 4.8's greeting sequence), and returns a
// session ready to run lines.
func dial() (*session, error) {
	conn, err := net.DialTimeout("tcp", serverAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverAddr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(dialTimeout))

	s := &session{conn: conn, br: bufio.NewReader(conn)}

	greeting, err := s.readLine()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}

	if greeting == "Password:" {
		if err := s.login(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *session) login() error {
	if _, err := fmt.Fprintf(s.conn, "%s\r\n", password); err != nil {
		return fmt.Errorf("send password: %w", err)
	}
	reply, err := s.readLine()
	if err != nil {
		return fmt.Errorf("read login reply: %w", err)
	}
	if strings.HasPrefix(reply, "Authentication failed") {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

func (s *session) readLine() (string, error) {
	line, err := s.br.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// replyQuiet bounds how long run waits for further reply lines once it
// has seen a terminating "OK:"/"ERR:" line. Some meta-commands (".cachestat")
// write more than one such line for a single request, so a single
// terminator isn't a reliable end-of-reply marker; a short quiet period
// after the first one catches the rest without hanging on commands that
// only ever produce one line.
const replyQuiet = 200 * time.Millisecond

// run sends one command line and returns every reply line the daemon
// writes back for it, mirroring how db query, preset use, .cachestat, and
// export emit several lines before (or as) their final status line
// (internal/cmdsrv's writeLine sequence).
func (s *session) run(line string) ([]string, error) {
	_ = s.conn.SetDeadline(time.Now().Add(dialTimeout))

	if _, err := fmt.Fprintf(s.conn, "%s\r\n", line); err != nil {
		return nil, fmt.Errorf("send %q: %w", line, err)
	}

	var lines []string
	sawTerminal := false
	for {
		l, err := s.readLine()
		if err != nil {
			if sawTerminal {
				return lines, nil
			}
			return lines, fmt.Errorf("read reply: %w", err)
		}
		lines = append(lines, l)
		if strings.HasPrefix(l, "OK:") || strings.HasPrefix(l, "ERR:") {
			sawTerminal = true
			_ = s.conn.SetReadDeadline(time.Now().Add(replyQuiet))
		}
	}
}

func (s *session) close() {
	_, _ = fmt.Fprint(s.conn, "exit\r\n")
	s.conn.Close()
}

// runOne dials, runs a single line, prints its replies, and closes,
// returning an error if the final line was an ERR: line.
func runOne(line string) error {
	s, err := dial()
	if err != nil {
		return err
	}
	defer s.close()

	lines, err := s.run(line)
	for _, l := range lines {
		fmt.Println(l)
	}
	if err != nil {
		return err
	}
	if last := lastOf(lines); strings.HasPrefix(last, "ERR:") {
		return fmt.Errorf("%s", last)
	}
	return nil
}

func lastOf(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
