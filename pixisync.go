package main

import (
	"github.com/pixiserve/pixisync/client/cmd"
)

func main() {
	cmd.Execute()
}
