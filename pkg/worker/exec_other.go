//go:build !unix

package worker

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}
