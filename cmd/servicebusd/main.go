package main

import "github.com/hupe1980/servicebus/internal/cli"

func main() {
	cli.Execute()
}
