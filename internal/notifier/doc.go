// Package notifier forwards engine activity to an operator chat.
//
// It subscribes to the event bus, keeps activity at or above a minimum
// level, and delivers it through a transport.Sender from a bounded queue
// with rate limiting, retry and a short dedup window. A full queue drops
// messages; the engine never waits on the notifier.
package notifier
