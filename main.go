// Agora is a simulated parliamentary governance system. This executable
// runs the asynchronous vote-validation and reconciliation pipeline and
// its read-only status API.
package main

import (
	"github.com/agora-sim/agora/cmd"
)

func main() {
	cmd.Execute()
}
