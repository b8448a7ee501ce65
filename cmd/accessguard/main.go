package main

import "github.com/venuescout/accessguard/cmd/accessguard/cmd"

func main() {
	cmd.Execute()
}
