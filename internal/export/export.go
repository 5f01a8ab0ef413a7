// Package export renders stored location history as CSV (spec.md's "db"
// client command family). Plain CSV has no natural third-party library
// in the retrieved corpus beyond encoding/csv itself, so this stays on
// the standard library (see DESIGN.md).
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/g7ctrl/g7ctrld/internal/proto"
)

var header = []string{
	"device_id", "local_time", "utc_time", "longitude", "latitude",
	"speed_kmh", "heading_deg", "altitude_m", "satellites", "event",
	"battery_volts", "detached",
}

// WriteCSV writes records to w as CSV with a fixed header row.
func WriteCSV(w io.Writer, records []*proto.LocationRecord) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(header); err != nil {
		return fmt.Errorf("export: write header: %w", err)
	}

	for _, r := range records {
		row := []string{
			strconv.FormatUint(r.DeviceID, 10),
			r.LocalTime.Format("20060102150405"),
			r.UTCTime.Format("20060102150405"),
			strconv.FormatFloat(r.Longitude, 'f', -1, 64),
			strconv.FormatFloat(r.Latitude, 'f', -1, 64),
			strconv.FormatFloat(r.SpeedKMH, 'f', -1, 64),
			strconv.FormatFloat(r.HeadingDeg, 'f', -1, 64),
			strconv.FormatFloat(r.AltitudeM, 'f', -1, 64),
			strconv.Itoa(r.Satellites),
			strconv.Itoa(int(r.Event)),
			strconv.FormatFloat(r.BatteryVolts, 'f', 2, 64) + "V",
			strconv.FormatBool(r.Detached),
		}

		if err := cw.Write(row); err != nil {
			return fmt.Errorf("export: write row: %w", err)
		}
	}

	cw.Flush()

	return cw.Error()
}
