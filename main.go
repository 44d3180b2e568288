// The main package for the vodsync executable.
package main

import (
	"github.com/mirrorops/vodsync/cmd"
)

// main defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
