// Package vtest provides testing helpers for applications hosted by a
// server.Gate.
//
// A Harness runs the application on a real gate and transport hub. Clients
// are attached through MemoryChannel values, so tests observe exactly the
// commands a browser would receive, in order, without a network.
//
// # Quick Start
//
//	func TestGreeting(t *testing.T) {
//	    h := vtest.NewHarness(t, app)
//	    c := h.Connect()
//
//	    if err := c.Event("hello", component.EventClick, nil); err != nil {
//	        t.Fatal(err)
//	    }
//	    c.ExpectCommands(t, component.CommandSetCaption)
//	}
//
// # Lifecycle Simulation
//
// Refresh reloads the page, Close disconnects the tab, and
// MemoryChannel.FailSends breaks the connection without closing it:
//
//	c.Channel.FailSends(errors.New("network down"))
//	c.Event("hello", component.EventClick, nil) // commands are dropped
package vtest
