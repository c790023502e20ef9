package main

import "potion-flow-monitor/internal/cli"

func main() {
	cli.Execute()
}
