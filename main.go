// The main package for the convertsp executable.
package main

import (
	"github.com/sonsusit20051/ConvertSP/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
