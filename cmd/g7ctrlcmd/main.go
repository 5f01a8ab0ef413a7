// g7ctrlcmd is the non-interactive admin CLI for g7ctrld.
package main

import "github.com/g7ctrl/g7ctrld/cmd/g7ctrlcmd/commands"

func main() {
	commands.Execute()
}
