package main

import "github.com/qreshi/index-management/internal/cmd"

func main() {
	cmd.Execute()
}
