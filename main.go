// Command goclaw runs the multi-channel conversational agent runtime.
package main

import "github.com/nextlevelbuilder/goclaw/cmd"

func main() {
	cmd.Execute()
}
