package proto

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// localTimeLayout is the device's local-time timestamp format, YYYYMMDDhhmmss.
const localTimeLayout = "20060102150405"

// voltPattern matches a single-digit battery voltage reading, e.g. "4.20V".
var voltPattern = regexp.MustCompile(`^\d\.\d{2}V$`)

// EventKind is the device's numeric event code (spec.md Section 3,
// LocationRecord.eventId). The wire format carries a small integer; only
// GFEN (geofence, value 50, confirmed against the g7ctrl emulator's
// send_locevent) is singled out because the core branches on it for
// automatic tracking (spec.md Section 4.6).
type EventKind int

// EventGFEN marks a geofence crossing event.
const EventGFEN EventKind = 50

// IsGFEN reports whether k is a geofence event.
func (k EventKind) IsGFEN() bool { return k == EventGFEN }

func (k EventKind) String() string {
	if k.IsGFEN() {
		return "GFEN"
	}
	return fmt.Sprintf("EVT%d", int(k))
}

// LocationRecord is one parsed device position report (spec.md Section 3).
type LocationRecord struct {
	DeviceID     uint64
	LocalTime    time.Time // as reported by the device, no zone attached
	UTCTime      time.Time // LocalTime adjusted by the configured tz offset
	Longitude    float64
	Latitude     float64
	SpeedKMH     float64
	HeadingDeg   float64
	AltitudeM    float64
	Satellites   int
	Event        EventKind
	BatteryVolts float64
	Detached     bool
}

// ParseRecord parses a single comma-separated location record (no
// surrounding brackets, no trailing CRLF). tzOffset is subtracted from
// the device's local time to produce UTCTime: UTC = local - tzOffset.
func ParseRecord(line string, tzOffset time.Duration) (*LocationRecord, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 11 {
		return nil, fmt.Errorf("%w: got %d", ErrFieldCount, len(fields))
	}

	deviceID, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadDeviceID, fields[0])
	}

	localTime, err := time.Parse(localTimeLayout, fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadTimestamp, fields[1])
	}

	lon, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || lon < -180 || lon > 180 {
		return nil, fmt.Errorf("%w: longitude %q", ErrBadCoordinate, fields[2])
	}

	lat, err := strconv.ParseFloat(fields[3], 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, fmt.Errorf("%w: latitude %q", ErrBadCoordinate, fields[3])
	}

	speed, err := strconv.ParseFloat(fields[4], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: speed %q", ErrBadNumericField, fields[4])
	}

	heading, err := strconv.ParseFloat(fields[5], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: heading %q", ErrBadNumericField, fields[5])
	}

	altitude, err := strconv.ParseFloat(fields[6], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: altitude %q", ErrBadNumericField, fields[6])
	}

	sat, err := strconv.Atoi(fields[7])
	if err != nil || sat < 0 || sat > 32 {
		return nil, fmt.Errorf("%w: %q", ErrBadSatellites, fields[7])
	}

	evt, err := strconv.Atoi(fields[8])
	if err != nil {
		return nil, fmt.Errorf("%w: event %q", ErrBadNumericField, fields[8])
	}

	if !voltPattern.MatchString(fields[9]) {
		return nil, fmt.Errorf("%w: %q", ErrBadVoltage, fields[9])
	}

	volts, err := strconv.ParseFloat(strings.TrimSuffix(fields[9], "V"), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrBadVoltage, fields[9])
	}

	var detached bool
	switch fields[10] {
	case "0":
		detached = false
	case "1":
		detached = true
	default:
		return nil, fmt.Errorf("%w: %q", ErrBadDetachFlag, fields[10])
	}

	return &LocationRecord{
		DeviceID:     deviceID,
		LocalTime:    localTime,
		UTCTime:      localTime.Add(-tzOffset),
		Longitude:    lon,
		Latitude:     lat,
		SpeedKMH:     speed,
		HeadingDeg:   heading,
		AltitudeM:    altitude,
		Satellites:   sat,
		Event:        EventKind(evt),
		BatteryVolts: volts,
		Detached:     detached,
	}, nil
}

// Serialize renders r back into its wire form (no trailing CRLF), the
// inverse of ParseRecord modulo tz offset (which is not recoverable from
// a LocationRecord alone, so Serialize always emits LocalTime).
func (r *LocationRecord) Serialize() string {
	detach := "0"
	if r.Detached {
		detach = "1"
	}

	return strings.Join([]string{
		strconv.FormatUint(r.DeviceID, 10),
		r.LocalTime.Format(localTimeLayout),
		strconv.FormatFloat(r.Longitude, 'f', -1, 64),
		strconv.FormatFloat(r.Latitude, 'f', -1, 64),
		strconv.FormatFloat(r.SpeedKMH, 'f', -1, 64),
		strconv.FormatFloat(r.HeadingDeg, 'f', -1, 64),
		strconv.FormatFloat(r.AltitudeM, 'f', -1, 64),
		strconv.Itoa(r.Satellites),
		strconv.Itoa(int(r.Event)),
		fmt.Sprintf("%.2fV", r.BatteryVolts),
		detach,
	}, ",")
}

// ParseBatch splits buf into individual records and parses each one. buf
// may be a bracketed batch ("[rec1\r\nrec2\r\n...]", trailing "]" replacing
// the final "\r\n") or a single bare record. A record that fails to parse
// is reported in errs by index but does not stop the remaining records
// from being parsed (spec.md Section 4.1).
func ParseBatch(buf []byte, tzOffset time.Duration) (records []*LocationRecord, errs []error) {
	s := strings.TrimRight(string(buf), "\r\n")

	if strings.HasPrefix(s, "[") {
		s = strings.TrimPrefix(s, "[")
		s = strings.TrimSuffix(s, "]")
	}

	lines := strings.Split(s, "\r\n")

	for i, line := range lines {
		if line == "" {
			continue
		}

		rec, err := ParseRecord(line, tzOffset)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}

		records = append(records, rec)
	}

	return records, errs
}
