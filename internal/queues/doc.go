// Package queues implements the queue trigger shared listener: one poll loop
// for every registered queue, with poison-queue handling and backoff.
package queues
