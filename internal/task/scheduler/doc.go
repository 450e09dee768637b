// Package scheduler answers the engine's timing questions: is now inside the
// active-hours window, is a scan due, and how much of today's quota is left.
package scheduler
