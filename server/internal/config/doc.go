// Package config loads the server configuration from config.yaml and the
// environment.
//
// Config fields:
//   - Server.HTTPPort       : query API port (default 8000, env PORT)
//   - Server.GRPCPort       : gRPC health service port (default 0 = off)
//   - Server.DataDir        : artifact directory (default "data", env DATA_DIR)
//   - Server.LogLevel       : debug | info | warn | error (default info)
//   - Server.StatusInterval : WebSocket status push period (default 5s)
//   - Origin.URL            : dataset URL (default the public QRank dump)
//   - Origin.FetchTimeout   : bound on one download, retries included (default 30m)
//   - Origin.RetryMax       : retries for dial failures and 429/5xx (default 3)
//   - Refresh.Interval      : scheduled refresh period (default 60m,
//     env REFRESH_DELAY_MINUTES); the only hot-reloadable field
//   - Refresh.ManualTimeout : wait for a running refresh on PUT /refresh (default 10s)
//   - Alerts.*              : refresh failure webhooks
//
// Load(path) applies defaults, then the YAML file if it exists, then the
// environment, then validates and reports all problems together.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config.
package config
