package main

import (
	"github.com/gantryci/gantry/pkg/cli"
)

func main() {
	cli.Execute()
}
