package main

import (
	"fmt"
	"os"

	"github.com/bobuhiro11/ccvmm/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
