package main

import "github.com/adamgarcia4/goLearning/antientropy/cmd"

func main() {
	cmd.Execute()
}
