package main

import "syncfm/cmd"

func main() {
	cmd.Execute()
}
