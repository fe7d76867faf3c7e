//go:build !unix

package main

import "os"

var controlSignals []os.Signal

func isPauseSignal(os.Signal) bool { return false }
func isRetrySignal(os.Signal) bool { return false }
