package main

import "github.com/ocfl-archive/layerstore/layerstore/cmd"

func main() {
	cmd.Execute()
}
