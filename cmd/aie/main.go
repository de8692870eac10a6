package main

import "github.com/ImCalebP/ai-employee/internal/cli"

func main() {
	cli.Execute()
}
