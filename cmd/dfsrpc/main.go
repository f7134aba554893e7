package main

import (
	"dfs-rpc/internal/cli"
	"dfs-rpc/internal/commands"
)

func init() {
	cli.AddSubcommand(commands.ServeCmd)
	cli.AddSubcommand(commands.CallCmd)
	cli.AddSubcommand(commands.BenchCmd)
	cli.AddSubcommand(commands.ConfigcheckCmd)
}

func main() {
	cli.Run()
}
