package main

import "github.com/Mafzii/mcp-filter/cmd"

func main() {
	cmd.Execute()
}
