package main

import "github.com/vietddude/keeper/internal/cli"

func main() {
	cli.Execute()
}
