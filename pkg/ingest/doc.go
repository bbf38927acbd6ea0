// Package ingest feeds condition readings from message transports into the
// condition monitor.
//
// Two transports are supported: an MQTT subscriber and a Redis Streams
// consumer group. Both carry JSON readings, either a single object or an
// array:
//
//	{"tag_id": "...", "value": 7.2, "read_at": "2024-07-01T12:00:00Z"}
//	[{"asset_id": "pump-1", "parameter": "vibration", "value": 7.2, "read_at": "..."}]
//
// Undecodable messages are dropped with a warning. Stream entries are only
// acknowledged after the batch reached the monitor.
package ingest
