// Package linking drives the per-identity conversation that binds a link code
// to a chat identity.
//
// Each identity moves through three states:
//
//	uninitiated --start--> waiting_for_code --valid code--> code_validated
//	     ^                        |    ^                          |
//	     +------------------------+----+-----------start----------+
//
// The start command is the only way into waiting_for_code. While waiting, a
// malformed code or a code held by another identity leaves the state unchanged.
// Any other text outside waiting_for_code gets an instructional reply.
//
// Messages for the same identity are serialized; different identities proceed
// in parallel. Store writes finish before the reply is sent, and a failed reply
// never undoes them.
package linking
