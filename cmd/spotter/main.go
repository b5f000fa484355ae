package main

import "github.com/spotter/messenger/cmd/spotter/cmd"

func main() {
	cmd.Execute()
}
