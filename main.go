package main

import "github.com/scanforge/commitpipe/cmd"

func main() {
	cmd.Execute()
}
