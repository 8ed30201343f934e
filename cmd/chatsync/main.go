package main

import (
	"os"

	"github.com/zhouzirui/z-tavern/chatsync/cmd/chatsync/cmd"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, buildTime)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
