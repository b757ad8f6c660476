package main

import "crmsync/cmd/client/cmd"

func main() {
	cmd.Execute()
}
