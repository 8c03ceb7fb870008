package main

import (
	"fmt"
	"os"

	"github.com/dsu-project/dsid/cmd/dsictl/cmd"
)

func main() {
	os.Exit(run())
}

func run() int {
	code, err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dsictl:", err)
	}

	return code
}
