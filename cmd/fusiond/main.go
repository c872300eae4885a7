package main

import "signal-fusion/internal/cli"

func main() {
	cli.Execute()
}
