//go:build !unix

package cargo

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func maxRSSKB(state *os.ProcessState) int64 {
	return 0
}
