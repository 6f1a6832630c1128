package main

import "github.com/kinic-ai/kinic-cli/cmd/kinic-cli/cmd"

func main() {
	cmd.Execute()
}
