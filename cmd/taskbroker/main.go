// Package main is the entry point for the taskbroker CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "taskbroker:", err)
		os.Exit(1)
	}
}
