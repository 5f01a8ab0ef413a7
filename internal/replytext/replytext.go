// Package replytext translates numeric device reply fields into
// human-readable strings using a stateless per-command table (spec.md
// Section 4.5). It is toggled per command client via the same
// unicodeTables/translateDeviceReply flags the client negotiates on C8.
package replytext

import (
	"strconv"
	"strings"
)

// FieldType is the interpretation applied to one comma-separated reply
// field.
type FieldType int

const (
	// FieldString passes the field through unchanged.
	FieldString FieldType = iota
	// FieldBool renders "0"/"1" as "off"/"on".
	FieldBool
	// FieldInt renders the field as a plain decimal integer, trimming
	// leading zeros introduced by the device's fixed-width encoding.
	FieldInt
	// FieldEnum looks the field up in the associated EnumMap.
	FieldEnum
)

// Field describes one position in a command's reply payload.
type Field struct {
	Label   string
	Type    FieldType
	EnumMap map[string]string
}

// Spec is the ordered field table for one command name.
type Spec struct {
	Fields []Field
}

// Table maps command name to its reply Spec. It is built once at startup
// from known device commands and never mutated afterward, so it needs no
// locking.
type Table map[string]Spec

// Default returns the built-in translation table covering the command
// set exercised by the tracker and command protocols.
func Default() Table {
	return Table{
		"STA": {Fields: []Field{
			{Label: "armed", Type: FieldBool},
		}},
		"FRI": {Fields: []Field{
			{Label: "interval_s", Type: FieldInt},
			{Label: "always_on", Type: FieldBool},
		}},
		"GFE": {Fields: []Field{
			{Label: "enabled", Type: FieldBool},
			{Label: "radius_m", Type: FieldInt},
		}},
		"PDT": {Fields: []Field{
			{Label: "mode", Type: FieldEnum, EnumMap: map[string]string{
				"0": "gprs",
				"1": "sms",
				"2": "both",
			}},
		}},
		"BAT": {Fields: []Field{
			{Label: "volts", Type: FieldString},
			{Label: "charging", Type: FieldBool},
		}},
	}
}

// Known reports whether name has a registered Spec, used as the known
// command list for the enableRawDeviceCommands gate (spec.md Section 6:
// "if off, commands not in the known command list are rejected").
func (t Table) Known(name string) bool {
	_, ok := t[name]
	return ok
}

// Translate renders payload (the comma-separated fields following a
// command's tag) using the Spec registered for name. If name has no
// entry, payload is returned unchanged and translated is false (spec.md
// Section 4.5: "Unknown command: pass reply through verbatim").
func (t Table) Translate(name, payload string) (rendered string, translated bool) {
	spec, ok := t[name]
	if !ok || payload == "" {
		return payload, false
	}

	parts := strings.Split(payload, ",")
	out := make([]string, 0, len(parts))

	for i, raw := range parts {
		if i >= len(spec.Fields) {
			out = append(out, raw)
			continue
		}

		out = append(out, renderField(spec.Fields[i], raw))
	}

	return strings.Join(out, ","), true
}

func renderField(f Field, raw string) string {
	value := raw

	switch f.Type {
	case FieldBool:
		switch raw {
		case "0":
			value = "off"
		case "1":
			value = "on"
		}
	case FieldInt:
		if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			value = strconv.Itoa(n)
		}
	case FieldEnum:
		if label, ok := f.EnumMap[raw]; ok {
			value = label
		}
	case FieldString:
		// no transform
	}

	return f.Label + "=" + value
}
