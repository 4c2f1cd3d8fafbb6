//go:build linux

package main

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ReadLine prompts on a raw-mode terminal, or reads a plain line when
// stdin is not interactive.
func (e *lineEditor) ReadLine(prompt string) (string, error) {
	if !stdinIsTTY() {
		return e.readPlain()
	}

	fd := int(os.Stdin.Fd())
	oldState, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	newState := *oldState
	newState.Lflag &^= unix.ICANON | unix.ECHO
	newState.Cc[unix.VMIN] = 1
	newState.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &newState); err != nil {
		return "", err
	}
	defer func() {
		_ = unix.IoctlSetTermios(fd, unix.TCSETS, oldState)
	}()

	e.begin(prompt)
	var buf [16]byte
	for {
		n, err := os.Stdin.Read(buf[:])
		if err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			line, res := e.feed(buf[i])
			switch res {
			case keySubmit:
				return line, nil
			case keyEOF:
				return "", io.EOF
			}
		}
	}
}
