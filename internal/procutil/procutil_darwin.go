//go:build darwin

package procutil

import "os/exec"

// StartWithCleanup starts the command. On macOS there is no kernel-level
// mechanism like Linux's Pdeathsig to kill a child when the parent dies;
// orderly teardown relies on the cleanup manager's kill pass. Ungraceful
// engine death (SIGKILL) can leave orphaned drivers on this platform.
func StartWithCleanup(cmd *exec.Cmd) error {
	return cmd.Start()
}
