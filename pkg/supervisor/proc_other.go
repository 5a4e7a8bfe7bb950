//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// Without process signals both modes kill the worker.
func signalProcess(cmd *exec.Cmd, _ TerminateMode) error {
	return cmd.Process.Kill()
}

func exitSignal(*os.ProcessState) string { return "" }
