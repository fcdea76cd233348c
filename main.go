package main

import "github.com/OpenBMB/IoA/cmd"

func main() {
	cmd.Execute()
}
