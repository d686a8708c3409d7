package main

import (
	"os"

	"github.com/wireapp/core-crypto-go/cmd/cc/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
