// Package stream manages encoding sessions. Each session runs one worker
// goroutine that owns an encoder.Engine and executes queued commands in
// order: audio intake never blocks the producer, control commands wait for
// their turn, and emitted messages fan out to subscribers and a sink.
// Idle sessions are removed after a configurable timeout.
package stream
