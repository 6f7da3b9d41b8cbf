// Command rtctl inspects and repairs the gateway's shared counters.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(defaultClientFactory).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
