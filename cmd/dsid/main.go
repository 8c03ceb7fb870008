package main

import (
	"fmt"
	"os"

	"github.com/dsu-project/dsid/cmd/dsid/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
