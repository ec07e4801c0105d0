package main

import "github.com/Layr-Labs/deferred-check/cmd"

func main() {
	cmd.Execute()
}
