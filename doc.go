// Package streambridge lets ordinary synchronous Go code publish JSON events
// to, and consume JSON events from, a durable and replayable message stream.
// It reads the target transport (RabbitMQ streams, NATS JetStream, Kafka,
// SQLite, PostgreSQL, Pebble, a JSON-lines file or an in-memory log) from
// Config and hands out publishers and subscribers bound to one stream each.
//
// Publisher retries every message a fixed number of times, reconnecting after
// each failure, and reports a PublishTimeoutError when the budget runs out.
// Subscriber either calls a handler on the caller's goroutine or fills a
// bounded queue from a background goroutine; GetOne and Flush read that
// queue. A Deduplicator drops replayed messages whose ordering field did not
// change, and a Correlator turns a request stream plus a response stream into
// a blocking call for chat-style clients.
//
// # Transports
//
// Transports register themselves on import. Importing
// github.com/drblury/streambridge/transport/transports pulls in all of them:
//   - channel: in-memory log for tests and demos
//   - rabbitmq: RabbitMQ stream queues
//   - nats-jetstream: NATS JetStream file streams
//   - kafka: single-partition Kafka topics
//   - sqlite: embedded append-only table
//   - postgres: append-only table shared by many processes
//   - pebble: embedded LSM-backed log
//   - io: JSON-lines file
//
// # Offsets
//
// A subscription starts at First (replay everything), Last (only new
// messages, the zero value) or At(n) for transports that expose numeric
// positions; see Capabilities.SupportsOffset.
package streambridge
