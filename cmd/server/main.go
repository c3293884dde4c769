package main

import "github.com/jw6ventures/calsync/cmd/server/cmd"

func main() {
	cmd.Execute()
}
