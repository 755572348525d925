package main

import (
	"fmt"
	"os"

	"github.com/arcrelay/inferd/cmd/inferctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
