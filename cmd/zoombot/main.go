package main

import "github.com/example/zoombot/cmd"

func main() {
	cmd.Execute()
}
