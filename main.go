package main

import (
	"os"

	"adguard-dns-sync/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
