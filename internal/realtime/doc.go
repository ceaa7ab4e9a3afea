// Package realtime fans processed events out to websocket listeners and
// serves the read-only HTTP surface next to them.
//
// The Hub implements processing.Broadcaster. Clients pick the event types
// they want either with ?channels=A,B on connect or with subscribe
// messages; the "*" channel receives everything:
//
//	{"type":"subscribe","id":"1","payload":{"channels":["DEVICE_CONNECTED"]}}
//
// Routes:
//
//	GET /ws                            websocket upgrade
//	GET /healthz                       dependency health
//	GET /api/v1/devices                device list
//	GET /api/v1/devices/{uuid}         device snapshot
//	GET /api/v1/devices/{uuid}/history status transitions
//	GET /api/v1/events/{id}            event, processing log, retries
//	GET /api/v1/dead-letters           dead-lettered events
//	GET /api/v1/audit                  audit trail (filters as query params)
package realtime
