package main

import (
	"os"

	escrowd "github.com/hashlocked/escrowd"
	"github.com/urfave/cli/v2"
)

func versionCmd(*cli.Context) error {
	escrowd.PrintVersion(os.Stdout)
	return nil
}
