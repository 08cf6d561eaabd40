package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/putto11262002/vocalroom/pkg/client"
	"github.com/putto11262002/vocalroom/pkg/proto"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "websocket url of the server")
	username := flag.String("user", "", "username to log in with")
	music := flag.Bool("music", false, "use music rooms instead of chat rooms")
	logFile := flag.String("log", "", "write client logs to this file")
	flag.Parse()

	if *username == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	// The terminal belongs to the ui, logs go to a file or nowhere.
	var out io.Writer = io.Discard
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer f.Close()
		out = f
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))

	names := proto.Chat
	if *music {
		names = proto.Music
	}

	c := client.New(*url, client.WithLogger(logger))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := c.Login(ctx, *username, ""); err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}

	ui, err := NewUI(c, names, *username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ui: %v\n", err)
		os.Exit(1)
	}
	err = ui.Run()
	ui.Close()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
