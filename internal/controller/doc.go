// Package controller is the refresh engine: a single cooperative loop that
// scans for candidate pages, scores their health, and regenerates and
// publishes the worst ones within the configured hours and daily limit.
//
// Host code drives it through Start, Stop, Pause, Resume, Configure and
// Enqueue, and observes it through Snapshot and Subscribe. Subscribers get
// Delta events (see Delta for the field contract) and Activity events.
package controller
