package transcode

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os/exec"
	"syscall"
)

// ProcessControl is the only handle the rest of the engine gets to a running
// encoder. The session that spawned the process owns it exclusively.
type ProcessControl interface {
	Pause() error
	Resume() error
	Stop()
}

// EncoderProcess extends ProcessControl with lifecycle waiting for the
// manager's supervision goroutine.
type EncoderProcess interface {
	ProcessControl
	Wait() error
}

// startEncoderFunc launches an encoder. Swappable so tests can run the
// manager without ffmpeg installed.
type startEncoderFunc func(ctx context.Context, ffmpegPath string, args []string) (EncoderProcess, error)

type ffmpegProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

func startFFmpeg(ctx context.Context, ffmpegPath string, args []string) (EncoderProcess, error) {
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, ffmpegPath, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("[hls] ffmpeg[%d]: %s", cmd.Process.Pid, scanner.Text())
		}
	}()

	return &ffmpegProcess{cmd: cmd, cancel: cancel}, nil
}

// Pause suspends the encoder in place so already-encoded segments stay on
// disk and resume is instant.
func (p *ffmpegProcess) Pause() error {
	return syscall.Kill(p.cmd.Process.Pid, syscall.SIGSTOP)
}

func (p *ffmpegProcess) Resume() error {
	return syscall.Kill(p.cmd.Process.Pid, syscall.SIGCONT)
}

func (p *ffmpegProcess) Stop() {
	// SIGKILL reaches the process even while it is stopped.
	p.cancel()
}

func (p *ffmpegProcess) Wait() error {
	return p.cmd.Wait()
}
