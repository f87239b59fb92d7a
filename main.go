package main

import (
	"log"

	"github.com/aquasecurity/depscan/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
