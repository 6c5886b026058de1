package main

import "github.com/bennypowers/quickshell-polkit-agent-sub000/cmd/quickshell-polkit-agent/cmd"

func main() {
	cmd.Execute()
}
