// Package store keeps the latest health record of every consumer and
// publishes updates to subscribers.
//
// The main components are:
//
//   - [Store]: Interface defining storage and subscription operations
//   - [MemoryStore]: In-memory implementation of Store with pub/sub
//   - [HealthRecord]: Storage and wire representation of a consumer's health
//
// Subscribers receive updates via channels with non-blocking sends; slow
// subscribers miss updates rather than block the poll goroutines.
package store
