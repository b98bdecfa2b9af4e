// Package influxdb provides the optional InfluxDB sink for TXT sensor
// telemetry and publish outcomes.
//
// It wraps the official influxdb-client-go v2 library. Writes are
// non-blocking and batched according to the influxdb section of
// config.yaml (batch_size, flush_interval); asynchronous write failures
// are reported through SetOnError.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	sensorMgr := sensors.NewManager(transport, sensors.WithSink(client))
package influxdb
