package main

import "melink/cmd/melinkctl/command"

func main() {
	command.Execute()
}
