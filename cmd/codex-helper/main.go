package main

import (
	"os"

	"github.com/lkarlslund/codexhelper/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
