package main

import "github.com/vrdb/questmeta/cmd"

func main() {
	cmd.Execute()
}
