// The main package for the deka executable.
package main

import (
	"github.com/itpcc/deka-supremecourt/cmd"
)

func main() {
	cmd.Execute()
}
