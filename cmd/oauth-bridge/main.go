package main

import "github.com/helpdesk-mcp/oauth-bridge/cmd/oauth-bridge/cmd"

// Version can be set during build with -ldflags
var version = "dev"

func main() {
	cmd.SetVersion(version)
	cmd.Execute()
}
