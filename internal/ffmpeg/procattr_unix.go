//go:build unix

package ffmpeg

import (
	"os/exec"
	"syscall"
)

// detach moves FFmpeg into its own process group so a terminal Ctrl+C reaches
// only the recorder, which then stops FFmpeg itself.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
