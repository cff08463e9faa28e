package main

import (
	"fmt"
	"os"
)

const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiCyan   = "\033[36m"
	ansiBold   = "\033[1m"
)

// colorEnabled honors both the --no-color flag and the NO_COLOR convention.
func colorEnabled() bool {
	if noColor {
		return false
	}
	_, set := os.LookupEnv("NO_COLOR")
	return !set
}

func paint(color, text string) string {
	if !colorEnabled() {
		return text
	}
	return color + text + ansiReset
}

// emit writes a prefixed status line to stderr, keeping stdout free for
// machine-readable command output.
func emit(color, prefix, format string, args ...any) {
	fmt.Fprintln(os.Stderr, paint(color, prefix+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { emit(ansiGreen, "✓ ", format, args...) }
func printError(format string, args ...any)   { emit(ansiRed, "✗ ", format, args...) }
func printWarning(format string, args ...any) { emit(ansiYellow, "⚠ ", format, args...) }
func printStep(format string, args ...any)    { emit(ansiCyan, "→ ", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(os.Stderr, "  %s %s\n", paint(ansiBold, label+":"), fmt.Sprintf(format, args...))
}
