// Package origin downloads the QRank dataset from its publishing server.
//
// Fetch issues a GET against the configured URL. When a validation token
// (ETag) from a previous download is supplied and force is false, the request
// carries If-None-Match and a 304 reply is reported as Unchanged. A 2xx reply
// yields a Download whose Body streams the artifact and whose Token is the new
// ETag. Every other status, and every network failure, is an error wrapping
// ErrTransport; status failures also carry a *StatusError.
//
// The body is not buffered: read errors from a dropped connection surface
// from Body.Read, also wrapped in ErrTransport, so the caller can tell them
// apart from its own disk errors.
//
// Requests go through go-retryablehttp, which retries dial failures, 429 and
// 5xx replies with exponential backoff before giving up.
package origin
