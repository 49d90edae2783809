package main

import "github.com/adjutant-ai/adjutant/cmd"

func main() {
	cmd.Execute()
}
