// Package main provides wmctl, a command line client for a working memory
// kernel.
package main

import (
	"fmt"
	"os"

	"github.com/danmuck/wmlink/internal/logging"
)

var version = "dev"

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "wmctl: %v\n", err)
		os.Exit(1)
	}
}
