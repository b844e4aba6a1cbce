package main

import "github.com/phoenixsystems-git/nest-sub000/cli/cmd"

func main() {
	cmd.Execute()
}
