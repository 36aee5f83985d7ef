//go:build linux

package reboot

import (
	"fmt"
	"syscall"
)

// Real returns a Func that syncs the filesystem and issues a real reboot
// request. It should only be wired in by the production entry point. There
// is no third-party library for invoking the Linux reboot(2) syscall — this
// is inherent OS plumbing no package in the retrieved corpus models, so it
// is built directly on the standard library.
func Real() Func {
	return func() error {
		syscall.Sync()
		if err := syscall.Reboot(syscall.LINUX_REBOOT_CMD_RESTART); err != nil {
			return fmt.Errorf("reboot: request restart: %w", err)
		}
		return nil
	}
}
