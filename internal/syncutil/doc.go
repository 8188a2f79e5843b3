// Package syncutil provides small synchronization helpers shared by
// the background goroutines in this module (cache janitor, rate-limit
// cleanup).
package syncutil
