package main

import "github.com/tardis-backup/tardis/cmd"

func main() {
	cmd.Execute()
}
