package main

import "github.com/jmcleod/watchtower/cmd/watchtower/cmd"

func main() {
	cmd.Execute()
}
