package main

import (
	"os"

	"github.com/tamago-labs/asetta-agentd/internal/client"
)

func main() {
	os.Exit(client.Run(os.Args[1:]))
}
