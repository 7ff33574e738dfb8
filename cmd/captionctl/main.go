package main

import (
	"os"

	"github.com/loqalabs/loqa-captions/cmd/captionctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
