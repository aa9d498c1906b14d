package main

import "github.com/THPTUHA/careflow/server/cmd"

func main() {
	cmd.Execute()
}
