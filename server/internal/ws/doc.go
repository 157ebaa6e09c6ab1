// Package ws streams the qrankd status document over WebSocket.
//
// Every frame carries the GET /status document:
//
//	{"event": "status", "data": {...}}
//
// A subscriber receives a "status" frame on connect and every status_interval
// (default 5s). A "published" frame follows each newly published mapping. The
// hub is mounted at /ws/status and accepts any origin.
package ws
