// The main package for the kakuyomu-crawler executable.
package main

import (
	"github.com/JakeFAU/kakuyomu-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
