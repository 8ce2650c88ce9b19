package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"anipipe/internal/cli"
)

func main() {
	// A missing .env is fine; configuration may come from the real
	// environment.
	_ = godotenv.Load()

	if err := cli.Run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
