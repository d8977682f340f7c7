/*
Package cdp provides a client for the browser DevTools protocol: JSON messages exchanged over one persistent WebSocket with an inspectable target (a page, worker, etc.).

There are three message shapes in this protocol, described in types.go:

1. Commands are sent client->target and carry an id, a "Domain.action" method, and params.
2. Responses are sent target->client and carry the id of the command they answer, plus either a result or an error.
3. Events are sent target->client whenever something happens in an enabled domain. They carry a method and params but no id.

A Conn correlates responses to commands by id, so any number of commands can be outstanding at once and they may complete in any order.
Events are routed by method name to subscribers. Synchronous subscribers run on the read goroutine in registration order, so they must be fast and must not call Execute.
Asynchronous subscribers run on their own goroutines and may call Execute.

Ids are scoped to the Conn, not the WebSocket, so they are never reused even across reconnections.
If the WebSocket drops, the Conn redials with exponential backoff and re-enables every domain that was enabled before the drop.
Events received while domains are being re-enabled are held and delivered, in order, once the replay finishes.
Subscriptions belong to the Conn, so they survive reconnection without any replay.

Commands are never retried automatically. A command that was in flight when the channel dropped fails with a ConnectionError, and it is up to the caller to decide whether it is safe to send again.
*/
package cdp
