package main

import (
	"os"

	"github.com/rbaliyan/secmsg/cmd/secmsgd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
