package utils

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

const megabyte = 1024 * 1024

// FFmpegSource reads JPEG frames from an ffmpeg subprocess.
type FFmpegSource struct {
	Cmd *SafeCommand

	out     io.ReadCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	waited bool
	closed bool
}

// OpenFFmpeg starts ffmpeg on input. The process is bound to ctx.
func OpenFFmpeg(ctx context.Context, format, input string) (*FFmpegSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found in PATH: %w", err)
	}

	ff := NewSafeCommandContext(ctx, "ffmpeg", FFmpegArgs(format, input)...)

	out, err := ff.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ff.Start(); err != nil {
		return nil, fmt.Errorf("failed to start FFmpeg: %w", err)
	}
	return NewFrameReader(ff, out), nil
}

// NewFrameReader splits an MJPEG stream into frames. cmd may be nil when the
// stream does not come from a subprocess.
func NewFrameReader(cmd *SafeCommand, r io.ReadCloser) *FFmpegSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(SplitJpeg)
	return &FFmpegSource{Cmd: cmd, out: r, scanner: scanner}
}

// Next returns the next frame. It returns io.EOF at the end of the stream, or
// the ffmpeg failure (with its logs) when the process exited with an error.
func (s *FFmpegSource) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.scanner.Scan() {
		frame := make([]byte, len(s.scanner.Bytes()))
		copy(frame, s.scanner.Bytes())
		return frame, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, fmt.Errorf("frame scanner failed: %w", err)
	}
	if err := s.wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if s.Cmd.Stderr.Len() > 0 {
			return nil, fmt.Errorf("ffmpeg execution failed: %w: %s", err, s.Cmd.Stderr.String())
		}
		return nil, fmt.Errorf("ffmpeg execution failed: %w", err)
	}
	return nil, io.EOF
}

func (s *FFmpegSource) wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Cmd == nil || s.waited {
		return nil
	}
	s.waited = true
	return s.Cmd.Wait()
}

// Close stops ffmpeg and releases the pipe. It is safe to call more than once.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	running := s.Cmd != nil && !s.waited && s.Cmd.Process != nil
	if running {
		s.Cmd.Process.Kill()
	}
	s.mu.Unlock()

	s.out.Close()
	if running {
		// Killed on purpose; the exit status carries no information.
		s.wait()
	}
	return nil
}
