package main

import (
	"os"

	"github.com/iepathos/prodigy/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
