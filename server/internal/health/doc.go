// Package health serves the standard grpc.health.v1 service. The overall
// status and the "qrankd.Lookup" service report NOT_SERVING until the first
// mapping is published and SERVING afterwards.
package health
