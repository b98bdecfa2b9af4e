package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSensor  = "txt_sensor"
	MeasurementPublish = "mqtt_publish"
)

// WriteSensorReading writes the numeric fields of one TXT sensor message.
// It satisfies sensors.Sink.
//
// Example:
//
//	client.WriteSensorReading("bme680", map[string]float64{"t": 21.5, "h": 40}, time.Now())
func (c *Client) WriteSensorReading(sensor string, fields map[string]float64, ts time.Time) {
	if !c.IsConnected() || len(fields) == 0 {
		return
	}
	c.writeAPI.WritePoint(sensorPoint(sensor, fields, ts))
}

// WritePublishOutcome records one gateway publish attempt.
func (c *Client) WritePublishOutcome(domain, topic, outcome string, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(publishPoint(domain, topic, outcome, ts))
}

// WritePoint writes a custom point.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time) {
	if !c.IsConnected() {
		return
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, ts))
}

func sensorPoint(sensor string, fields map[string]float64, ts time.Time) *write.Point {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return write.NewPoint(MeasurementSensor, map[string]string{"sensor": sensor}, values, ts)
}

func publishPoint(domain, topic, outcome string, ts time.Time) *write.Point {
	return write.NewPoint(MeasurementPublish,
		map[string]string{"domain": domain, "topic": topic, "outcome": outcome},
		map[string]any{"count": 1},
		ts,
	)
}
