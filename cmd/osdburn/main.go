package main

import (
	"fmt"
	"os"

	"osdburn"
)

func main() {
	if err := osdburn.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
