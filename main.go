package main

import (
	"github.com/luma/nsqc/cmd"
)

func main() {
	cmd.Execute()
}
