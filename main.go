package main

import "github.com/andresmejia3/facecap/cmd"

func main() {
	cmd.Execute()
}
