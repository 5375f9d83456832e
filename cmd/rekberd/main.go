package main

import (
	"os"

	"github.com/rekberid/rekberd/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
