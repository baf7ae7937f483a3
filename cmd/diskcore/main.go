package main

import "diskcore/cmd"

func main() {
	cmd.Execute()
}
