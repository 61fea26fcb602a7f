package main

import "github.com/andresmejia3/avatarstream/cmd"

func main() {
	cmd.Execute()
}
