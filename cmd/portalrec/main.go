package main

import "github.com/bryanchriswhite/portalrec/cmd/portalrec/commands"

func main() {
	commands.Execute()
}
