// Package main provides the botctl command.
package main

import (
	"log"
	"os"

	"github.com/clean-dependency-project/botctl/internal/cli"
	"github.com/clean-dependency-project/botctl/internal/versions"
)

func main() {
	app := cli.NewApp()

	if err := app.Run(os.Args); err != nil {
		if versions.Retryable(err) {
			log.Printf("temporary failure, the command can be retried")
		}
		log.Fatal(err)
	}
}
