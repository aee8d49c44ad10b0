package main

import (
	"github.com/shizukutanaka/Kiroku/cmd/kiroku/commands"
)

func main() {
	commands.Execute()
}
