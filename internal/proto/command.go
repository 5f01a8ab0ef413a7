package proto

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	commandNamePattern = regexp.MustCompile(`^[A-Za-z0-9]{1,12}$`)
	tagPattern         = regexp.MustCompile(`^\d{4}$`)
)

// Command is a device command frame: "$name+TAG=arg1,arg2,...\r\n"
// (spec.md Section 3, DeviceCommand).
type Command struct {
	Name string
	Tag  string
	Args []string
}

// Reply is a device reply frame: "$OK:name+TAG=args\r\n" or
// "$ERR:name+TAG=code\r\n".
type Reply struct {
	OK      bool
	Name    string
	Tag     string
	Payload string // args (joined by comma) on OK, device error code on ERR
}

// FormatCommand validates name/tag/args and renders the wire form,
// including the trailing CRLF.
func FormatCommand(name, tag string, args []string) (string, error) {
	if !commandNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrCommandNameLen, name)
	}
	if !tagPattern.MatchString(tag) {
		return "", fmt.Errorf("%w: %q", ErrBadTag, tag)
	}
	for _, a := range args {
		if strings.ContainsAny(a, "\r\n") {
			return "", fmt.Errorf("%w: arg contains CR/LF", ErrMalformedCommand)
		}
	}

	return fmt.Sprintf("$%s+%s=%s\r\n", name, tag, strings.Join(args, ",")), nil
}

// ParseCommand parses a command line, with or without trailing CRLF.
func ParseCommand(line string) (*Command, error) {
	line = strings.TrimRight(line, "\r\n")

	if !strings.HasPrefix(line, "$") {
		return nil, ErrMalformedCommand
	}
	line = line[1:]

	plus := strings.Index(line, "+")
	eq := strings.Index(line, "=")
	if plus < 0 || eq < 0 || eq < plus {
		return nil, ErrMalformedCommand
	}

	name := line[:plus]
	tag := line[plus+1 : eq]
	argsPart := line[eq+1:]

	if !commandNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: name %q", ErrMalformedCommand, name)
	}
	if !tagPattern.MatchString(tag) {
		return nil, fmt.Errorf("%w: tag %q", ErrBadTag, tag)
	}

	var args []string
	if argsPart != "" {
		args = strings.Split(argsPart, ",")
	}

	return &Command{Name: name, Tag: tag, Args: args}, nil
}

// IsReplyLine reports whether buf looks like a device reply, used by the
// tracker session's CLASSIFY step (spec.md Section 4.6).
func IsReplyLine(buf []byte) bool {
	return strings.HasPrefix(string(buf), "$OK") || strings.HasPrefix(string(buf), "$ERR")
}

// FormatReply renders an OK or ERR reply frame, including trailing CRLF.
func FormatReply(ok bool, name, tag, payload string) (string, error) {
	if !commandNamePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrCommandNameLen, name)
	}
	if !tagPattern.MatchString(tag) {
		return "", fmt.Errorf("%w: %q", ErrBadTag, tag)
	}

	status := "ERR"
	if ok {
		status = "OK"
	}

	return fmt.Sprintf("$%s:%s+%s=%s\r\n", status, name, tag, payload), nil
}

// ParseReply parses a reply line, with or without trailing CRLF.
func ParseReply(line string) (*Reply, error) {
	line = strings.TrimRight(line, "\r\n")

	var ok bool

	switch {
	case strings.HasPrefix(line, "$OK:"):
		ok = true
		line = strings.TrimPrefix(line, "$OK:")
	case strings.HasPrefix(line, "$ERR:"):
		ok = false
		line = strings.TrimPrefix(line, "$ERR:")
	default:
		return nil, ErrMalformedReply
	}

	plus := strings.Index(line, "+")
	eq := strings.Index(line, "=")
	if plus < 0 || eq < 0 || eq < plus {
		return nil, ErrMalformedReply
	}

	name := line[:plus]
	tag := line[plus+1 : eq]
	payload := line[eq+1:]

	if !commandNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: name %q", ErrMalformedReply, name)
	}
	if !tagPattern.MatchString(tag) {
		return nil, fmt.Errorf("%w: tag %q", ErrBadTag, tag)
	}

	return &Reply{OK: ok, Name: name, Tag: tag, Payload: payload}, nil
}
