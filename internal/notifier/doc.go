// Package notifier delivers user-facing messages asynchronously.
//
// Messages are queued per worker and a user is always routed to the same
// worker, so one user's messages arrive in send order while different users
// proceed in parallel. Delivery is rate limited with a shared token bucket
// and retried with jittered exponential backoff.
//
// Texts use a small Markdown subset (**bold**, _italic_, `code`, links);
// HTML renders it for Telegram's HTML parse mode.
package notifier
