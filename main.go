package main

import "github.com/papapumpkin/indentbot/cmd"

func main() {
	cmd.Execute()
}
