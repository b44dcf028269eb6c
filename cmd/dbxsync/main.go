package main

import (
	"os"

	"github.com/dl-alexandre/dbxsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
