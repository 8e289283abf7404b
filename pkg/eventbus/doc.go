/*
Package eventbus provides the kernel's synchronous in-process pub/sub hub.

Every process lifecycle change, memory write, cron fire, and webhook attempt
is published onto the bus as a types.Event. Subscribers register a handler
for an exact topic, a trailing wildcard ("memory.*"), or "*" for everything.

# Architecture

Unlike a channel-backed broker, Publish runs every matching handler in the
calling goroutine, in registration order, before returning:

	┌──────────────────────── Bus ─────────────────────────┐
	│                                                       │
	│  Publish(event)                                      │
	│       │                                              │
	│       ▼                                               │
	│  match subscriptions (exact / prefix* / *)           │
	│       │                                              │
	│       ▼                                               │
	│  run handlers in registration order, synchronously   │
	│                                                       │
	└───────────────────────────────────────────────────────┘

This gives callers a delivery guarantee a buffered channel cannot: by the
time Publish returns, every subscriber has already observed the event, so a
trigger or webhook handler registered before a state mutation is guaranteed
to see it applied in order. The tradeoff is that a slow handler blocks the
publisher. The webhook handler hands each delivery to its own goroutine and
returns quickly; the cron trigger handler runs inline, including any spawn a
matching trigger starts.
*/
package eventbus
