package main

import "github.com/stephnangue/walletd/cmd"

func main() {
	cmd.Execute()
}
