// Command edgectl inspects and operates a running edge daemon.
package main

import (
	"os"

	"edgeattend/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
