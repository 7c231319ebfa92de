// Command distill trains a small SSD student to mimic a frozen teacher.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
