package main

import "github.com/alvesdmateus/deployctl/internal/cli/commands"

func main() {
	commands.Execute()
}
