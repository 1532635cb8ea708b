package main

import "webrag/cmd"

func main() {
	cmd.Execute()
}
