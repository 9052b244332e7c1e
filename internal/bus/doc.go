// Package bus provides a bounded, non-blocking broadcast used for event fan-out.
//
// A Broadcast keeps the most recent values in a ring buffer. Each Receiver
// has its own cursor and reads at its own pace; a receiver that falls more
// than the ring capacity behind gets a Delivery with Lagged set to the number
// of skipped values and resumes from the oldest retained value. Publishers
// never wait on receivers.
//
// The session manager keeps one Broadcast per live session and one
// process-wide Broadcast of envelopes that also carries events bridged in
// from other instances.
package bus
