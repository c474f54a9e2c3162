package main

import "github.com/LordLuceus/letta-bot/cmd"

func main() {
	cmd.Execute()
}
