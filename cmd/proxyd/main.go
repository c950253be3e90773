// Package main is the entry point of the interceptproxy binary.
package main

import (
	"os"

	"interceptproxy/cmd/proxycmd"
)

func main() {
	if err := proxycmd.Execute(); err != nil {
		os.Exit(1)
	}
}
