package main

import "github.com/Saravanaperu/Webportal-SingleUser/internal/cli"

func main() {
	cli.Execute()
}
