package main

import "sentinel-oracle/internal/cli"

func main() {
	cli.Execute()
}
