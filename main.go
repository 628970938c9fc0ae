package main

import "github.com/powere-ch/guide-cli/cmd"

func main() {
	cmd.Execute()
}
