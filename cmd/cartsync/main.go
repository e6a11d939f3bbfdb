// Command cartsync inspects and synchronizes an optimistic cart.
package main

import (
	"os"

	"github.com/roach88/cartsync/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
