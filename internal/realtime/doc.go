// Package realtime maintains a token-authenticated websocket session to the
// realtime event source.
//
// A Session is created by Connect and runs this state machine:
//
//	Idle -> Connecting      Connect, or the reconnect timer fires
//	Connecting -> Open      dial succeeded; retry count and backoff reset
//	Connecting -> Reconnecting  token provider returned nothing (no dial, no OnClose)
//	Connecting -> Closed    dial failed
//	Open -> Closed          remote close or transport error
//	Closed -> Reconnecting  OnClose fired; timer armed for the next backoff delay
//	any -> Disposed         Dispose (terminal)
//
// Backoff delays double from BaseDelay up to MaxDelay with no jitter. Only
// one connection attempt is ever in flight and a new timer is never armed
// while an older one is pending.
//
// Inbound frames are parsed as an Envelope. Frames that are not JSON objects
// are dropped silently. Callbacks are never started after Dispose has
// returned; a callback that is already running when Dispose is called may
// finish.
package realtime
