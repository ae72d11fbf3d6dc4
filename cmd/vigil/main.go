package main

import "github.com/raysh454/vigil/internal/cli"

func main() {
	cli.Execute()
}
