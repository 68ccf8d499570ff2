package main

import "github.com/jake-scott/roborock-proxy/cmd"

func main() {
	cmd.Execute()
}
