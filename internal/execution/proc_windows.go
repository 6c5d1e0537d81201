//go:build windows

package execution

import (
	"os"
	"os/exec"
)

func configureProc(_ *exec.Cmd) {}

// signalProc kills the process. Windows has no SIGTERM, so both modes
// terminate immediately.
func signalProc(p *os.Process, _ bool) error {
	return p.Kill()
}
