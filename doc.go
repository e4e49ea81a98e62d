// Package persistmsg keeps business state changes and the messages they produce consistent,
// by persisting every message as a record in the same database as the business data.
//
// Three kinds of records share one table:
//
//  1. Outbox: integration events that must reach a message broker. They are written within
//     the business unit of work and published afterwards, either right after commit or by
//     the recovery poller.
//
//  2. Inbox: messages received from the broker. Their ids are used to detect redelivery so
//     that a consumer applies the effect of a message at most once.
//
//  3. Internal: commands that are handled in-process after the business transaction has
//     committed.
//
// This package provides the following components:
//   - A `Store` for the message records (`SQLStore` for the supported SQL dialects).
//   - A `Processor` that records messages and drains them to a `Publisher` or a `Dispatcher`.
//   - A `UnitOfWork` that stages records while the business operation runs and persists
//     them together with the business changes.
//   - A `DedupFilter` that wraps inbound handlers with inbox deduplication.
//   - A `Poller` background process that retries every record not yet processed.
//
// Delivery to the broker is at-least-once. A record is marked processed only after its
// publication or handling succeeded, and a failed record is retried on every sweep
// until it succeeds.
package persistmsg
