/*
Package runtime implements the stream client bridge behind streambridge.

# Architecture Overview

The runtime sits between synchronous application code and a durable,
replayable stream reached through a transport.Session. It owns the broker
session, retries publishes, turns deliveries into a bounded queue or a
blocking callback, drops replayed duplicates and pairs requests with
responses for interactive callers.

# Package Structure

## Connection Manager (connection.go)

ConnectionManager dials sessions through a transport.Dialer and declares the
stream on every connect. Each connect after the first counts as a reconnect.

## Publishing (publisher.go, retry.go)

Publisher encodes payloads once and writes them with a fixed attempt budget.
A failed attempt waits the RetryPolicy delay, reconnects and tries again.
When the budget is exhausted Publish returns a *PublishTimeoutError.

## Subscribing (subscriber.go, message.go)

Subscriber consumes from one stream at a chosen transport.Offset:
  - ModeBlocking runs a Handler on the calling goroutine
  - ModeBackground fills a bounded queue read with GetOne and Flush

A delivery is acknowledged only after it reached the application.

## Deduplication (dedup.go)

Deduplicator remembers the last ordering value forwarded per key.
FieldKey extracts both from JSON payloads for WithDeduplication.

## Correlation (correlator.go)

Correlator publishes a chat request and waits for its response on a second
stream. Responder serves the other side.

## Metrics (metrics.go)

Prometheus counters per stream plus an in-memory snapshot.

# Sub-packages

  - config/: YAML and environment configuration with validation
  - errors/: Sentinel errors
  - ids/: ULID message ids and UUID conversation ids
  - jsoncodec/: sonic-backed JSON encoding and field lookup
  - logging/: ServiceLogger interface and adapters
  - metadata/: Message metadata utilities and keys

# Usage Example

	conn, _ := runtime.NewConnectionManager("flights", dial)
	pub, _ := runtime.NewPublisher(conn)
	_ = pub.Publish(ctx, map[string]any{"icao24": "3c6444", "time": 1700000000})

	sub, _ := runtime.NewSubscriber(conn2, runtime.WithQueueCapacity(10))
	_ = sub.Start(ctx, runtime.StartOptions{Mode: runtime.ModeBackground, Offset: transport.First})
	msg, _ := sub.GetOne(ctx)
*/
package runtime
