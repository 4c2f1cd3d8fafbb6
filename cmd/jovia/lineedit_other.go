//go:build !linux

package main

import "fmt"

func (e *lineEditor) ReadLine(prompt string) (string, error) {
	if stdinIsTTY() {
		fmt.Fprint(e.out, prompt)
	}
	return e.readPlain()
}
