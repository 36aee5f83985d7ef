// Package reboot implements the agent's only direct operating-system side
// effect: syncing buffered writes and requesting a reboot once a deployment
// has installed successfully.
package reboot

// Func matches deployment.RebootFunc: a capability injected at agent
// start-up so tests can assert it was invoked without rebooting the test
// machine.
type Func func() error

// Noop returns a Func that does nothing and always succeeds. Useful for
// tests and for dry-run/one-shot invocations where a reboot would be
// disruptive to whatever process invoked the agent.
func Noop() Func {
	return func() error { return nil }
}
