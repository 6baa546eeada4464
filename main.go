package main

import "github.com/ehayes2000/shepard/cmd"

func main() {
	cmd.Execute()
}
