// Package alerts notifies operators when refreshes keep failing. Engine
// observes every refresh result, fires after alerts.failure_threshold
// consecutive failures (re-firing at most once per cooldown while the streak
// lasts) and resolves on the next successful refresh. Webhooks are delivered
// to Teams, Slack or generic HTTP targets.
package alerts
