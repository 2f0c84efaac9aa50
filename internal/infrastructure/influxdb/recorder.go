package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/shadow-agent/internal/container"
)

// PointWriter accepts points for asynchronous delivery and tags them with
// the device. *Client implements it.
type PointWriter interface {
	WritePoints(points ...*write.Point)
}

// Recorder mirrors every report the sync engine hands to the session
// into InfluxDB. It implements propsync.Observer and never blocks the
// engine: points are batched by the write API.
type Recorder struct {
	w PointWriter
}

// NewRecorder creates a Recorder writing to w.
func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{w: w}
}

// ObserveReport writes one point per reported service.
func (r *Recorder) ObserveReport(snaps []container.Snapshot) {
	points := PointsFromSnapshots(snaps)
	if len(points) == 0 {
		return
	}
	r.w.WritePoints(points...)
}
