// Package chat delivers announcement text to named chat channels.
//
// Notifier is the single delivery contract. Implementations:
//   - IRCNotifier: a Twitch IRC bot that joins channels on first use and
//     says the message there. Credentials are a bot username and an OAuth
//     token with chat:edit scope.
//   - WebhookNotifier: Discord-compatible webhooks, one URL per channel name.
//   - MultiNotifier: fans a message out to several notifiers.
//   - LogNotifier: writes the message to the log; used when nothing else is
//     configured so announcements remain visible.
package chat
