// Package influxdb mirrors reported device shadow state into InfluxDB.
//
// A Client is bound to one device and one bucket: Connect checks the
// bucket exists and every point it writes carries the device_id tag. A
// Recorder observes every property report the agent publishes and writes
// it as a point in the shadow_properties measurement.
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, influxdb.Options{DeviceID: cfg.Device.ID})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	dev.SetObserver(influxdb.NewRecorder(client))
//
// Writes are best effort: async write failures go to the SetOnError
// callback, are counted by Failures and surface once in HealthCheck. They
// never affect the report sent to the platform.
package influxdb
