// Package dispatch delivers outbound UI commands for a single session in the
// order they were issued, without blocking the caller on network I/O.
package dispatch
