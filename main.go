package main

import "github.com/EphiBL/sonnetbot/cmd"

func main() {
	cmd.Execute()
}
