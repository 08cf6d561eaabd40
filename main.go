package main

import (
	"flag"
	"fmt"
	"os"

	vocalroom "github.com/putto11262002/vocalroom/app"
)

func main() {
	configPath := flag.String("config", "", "path to the config file, defaults to ./config.yaml")
	flag.Parse()

	config, err := vocalroom.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config:\n%s\n", vocalroom.FormatValidationErrors(err))
		os.Exit(1)
	}

	app, err := vocalroom.New(nil, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	app.Start()
}
