package main

import "github.com/apernet/ovpnkit/cmd"

func main() {
	cmd.Execute()
}
