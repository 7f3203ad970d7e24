package main

import "github.com/friendcore/friend/cmd"

func main() {
	cmd.Execute()
}
