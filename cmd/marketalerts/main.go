package main

import (
	_ "time/tzdata"

	"market-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
