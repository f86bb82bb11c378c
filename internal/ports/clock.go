// Package ports defines interfaces for external dependencies (Ports and Adapters pattern).
package ports

import "time"

// Clock abstracts time operations for testing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep pauses execution for the specified duration.
	Sleep(d time.Duration)

	// NewTimer returns a Timer that fires once after duration d.
	NewTimer(d time.Duration) Timer

	// NewTicker returns a new Ticker that sends the current time on its channel
	// after each tick.
	NewTicker(d time.Duration) Ticker
}

// Timer wraps time.Timer for testing.
type Timer interface {
	// C returns the channel on which the expiry is delivered.
	C() <-chan time.Time

	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer before it fired.
	Stop() bool
}

// Ticker wraps time.Ticker for testing.
type Ticker interface {
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time

	// Stop turns off the ticker.
	Stop()
}
