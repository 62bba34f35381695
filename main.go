package main

import "github.com/attachebot/attache/cmd"

func main() {
	cmd.Execute()
}
