package main

import (
	"github.com/wraithward/wraithward/cmd"
)

func main() {
	cmd.Execute()
}
