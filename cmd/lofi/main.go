// Command lofi runs the sync gateway and drives a local store from the
// command line.
package main

import (
	"context"
	"os"
)

func main() {
	if err := execute(context.Background(), newApp(), os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
