// Package dedupe tracks checkpoint events a mission has already acted on so a
// replayed event after a stream is reopened does not raise a second pause.
package dedupe
