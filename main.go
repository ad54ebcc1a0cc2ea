package main

import "github.com/andresmejia3/scanline/cmd"

func main() {
	cmd.Execute()
}
