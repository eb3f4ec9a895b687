//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the runner in its own process group so that terminal
// signals aimed at the agent do not reach running jobs
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: 0}
}
