package main

import "github.com/nextlevelbuilder/agentengine/cmd"

func main() {
	cmd.Execute()
}
