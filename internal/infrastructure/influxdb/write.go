package influxdb

import (
	"encoding/json"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/shadow-agent/internal/container"
)

// MeasurementProperties is the measurement every reported snapshot is
// written to.
const MeasurementProperties = "shadow_properties"

// Tag keys on shadow_properties points. Client adds TagDeviceID to every
// point it writes.
const (
	TagDeviceID = "device_id"
	TagService  = "service"
)

// PointsFromSnapshots converts reported snapshots into one point per
// service, tagged with service. Scalar properties become fields;
// object-valued properties and nils are skipped. Snapshots with no scalar
// properties produce no point.
//
// Example:
//
//	points := influxdb.PointsFromSnapshots(snaps)
//	// shadow_properties,service=smokeDetector alarm=1i,temperature=21.5
//	// written by a Client as
//	// shadow_properties,device_id=6543_smoke,service=smokeDetector alarm=1i,temperature=21.5
func PointsFromSnapshots(snaps []container.Snapshot) []*write.Point {
	points := make([]*write.Point, 0, len(snaps))
	for _, s := range snaps {
		fields := make(map[string]any, len(s.Properties))
		for name, v := range s.Properties {
			if f, ok := fieldValue(v); ok {
				fields[name] = f
			}
		}
		if len(fields) == 0 {
			continue
		}

		ts := s.Time
		if ts.IsZero() {
			ts = time.Now()
		}
		points = append(points, write.NewPoint(
			MeasurementProperties,
			map[string]string{TagService: s.Service},
			fields,
			ts,
		))
	}
	return points
}

// fieldValue narrows a property value to a type line protocol can carry.
func fieldValue(v any) (any, bool) {
	switch x := v.(type) {
	case int64, float64, bool, string:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case float32:
		return float64(x), true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return f, true
		}
		return nil, false
	default:
		return nil, false
	}
}
