// Package api implements the HTTP API of qrankd.
//
// New(deps) returns a Handler that serves:
//
//	GET /get?qid=Q1&qid=Q2      ranks of the known ids; unknown ids are omitted.
//	                            qid=Q1,Q2 is accepted as well.
//	PUT /refresh[?force=true]   runs a manual refresh and reports
//	                            {"success", "outcome", "error"}. Only the
//	                            exact value force=true forces.
//	GET /status                 published mapping, last refresh, next scheduled
//	                            refresh and artifact metadata
//	GET /healthz                200 once a mapping is published, 503 before
//	GET /alerts                 firing and recently resolved refresh failure alerts
//
// All endpoints respond with Content-Type: application/json and return 405 for
// other methods. JSON types are defined in types.go. No external HTTP framework
// is used.
package api
