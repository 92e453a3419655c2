package main

import "github.com/deskchat/deskchat/cmd"

func main() {
	cmd.Execute()
}
