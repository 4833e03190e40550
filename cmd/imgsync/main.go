// Command imgsync mirrors catalog images into an analytical store and
// rebuilds the derived model tables.
package main

import (
	"fmt"
	"os"

	"github.com/eunmann/imgsync/internal/cli"
)

func main() {
	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
