// Package cli implements the link-relay-admin command tree.
//
// Every command reads the relay database named by --db (default
// $LINK_RELAY_DB_PATH, then link-relay.db) and prints either aligned text or,
// with --format json, an envelope of the form {"status": "ok", "data": ...}.
//
// Exit codes: 0 on success, 1 when a lookup finds nothing, 2 for command
// errors such as a missing database or bad flags.
package cli
