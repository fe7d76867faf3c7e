//go:build unix

package main

import (
	"os"
	"syscall"
)

// SIGUSR1 toggles pause on running batches; SIGUSR2 re-queues failed items.
var controlSignals = []os.Signal{syscall.SIGUSR1, syscall.SIGUSR2}

func isPauseSignal(s os.Signal) bool { return s == syscall.SIGUSR1 }
func isRetrySignal(s os.Signal) bool { return s == syscall.SIGUSR2 }
