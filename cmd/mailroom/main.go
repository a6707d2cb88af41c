package main

import "github.com/solistra/mailroom/cmd/mailroom/commands"

func main() {
	commands.Execute()
}
