package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	vocalroom "github.com/putto11262002/vocalroom/app"
	"github.com/putto11262002/vocalroom/core"
	"github.com/putto11262002/vocalroom/pkg/client"
	"github.com/putto11262002/vocalroom/pkg/proto"
	"golang.org/x/sync/errgroup"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type result struct {
	latencies []time.Duration
	failed    int
}

func main() {
	url := flag.String("url", "", "websocket url of the server, empty starts one in process")
	numberOfClients := flag.Int("clients", 50, "number of clients in the room")
	messageSize := flag.Int("size", 100, "message size in bytes")
	interval := flag.Duration("interval", 500*time.Millisecond, "time between messages of a client")
	testDuration := flag.Duration("duration", 10*time.Second, "how long to send messages")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *url == "" {
		addr, stop, err := startServer(ctx)
		if err != nil {
			log.Fatalf("start server: %v", err)
		}
		defer stop()
		*url = "ws://" + addr + "/ws"
	}

	clients, roomID, err := setup(ctx, *url, *numberOfClients)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	var received atomic.Int64
	for _, c := range clients {
		c.Subscribe(proto.Chat.ChatMessage, func(*core.Event) { received.Add(1) })
	}

	results := make([]result, len(clients))
	payload := strings.Repeat("a", *messageSize)
	deadline := time.Now().Add(*testDuration)

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = send(ctx, c, roomID, payload, *interval, deadline)
		}()
	}
	wg.Wait()
	// let the last fan-out drain
	time.Sleep(time.Second)

	var latencies []time.Duration
	failed := 0
	for _, r := range results {
		latencies = append(latencies, r.latencies...)
		failed += r.failed
	}
	slices.Sort(latencies)

	fmt.Printf("Total requests: %d\n", len(latencies)+failed)
	fmt.Printf("Total successful: %d\n", len(latencies))
	fmt.Printf("Total failed: %d\n", failed)
	fmt.Printf("Messages delivered: %d of %d\n", received.Load(), len(latencies)*len(clients))
	if len(latencies) == 0 {
		return
	}
	fmt.Printf("50th percentile latency: %v\n", percentile(latencies, 0.50))
	fmt.Printf("99th percentile latency: %v\n", percentile(latencies, 0.99))
}

// startServer runs the app on a free local port.
func startServer(ctx context.Context) (string, func(), error) {
	config, err := vocalroom.LoadConfig("")
	if err != nil {
		return "", nil, err
	}
	config.Log.Level = "error"
	config.Rooms.MaxCapacity = max(config.Rooms.MaxCapacity, 10_000)
	config.Typing.Throttle = 0

	app, err := vocalroom.New(ctx, config)
	if err != nil {
		return "", nil, err
	}
	app.Run()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	server := &http.Server{Handler: app.Handler()}
	go func() {
		if err := server.Serve(l); err != nil && err != http.ErrServerClosed {
			log.Printf("server closed: %v", err)
		}
	}()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		app.Close(shutdownCtx)
	}
	return l.Addr().String(), stop, nil
}

// setup connects the clients and puts them all in one room.
func setup(ctx context.Context, url string, n int) ([]*client.Client, string, error) {
	clients := make([]*client.Client, n)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i := range clients {
		g.Go(func() error {
			c := client.New(url, client.WithLogger(discard), client.WithTypingThrottle(0))
			if err := c.Connect(gctx); err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			if _, err := c.Login(gctx, fmt.Sprintf("bench-%d", i), ""); err != nil {
				return fmt.Errorf("client %d: %w", i, err)
			}
			clients[i] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, "", err
	}

	room, err := clients[0].CreateRoom(ctx, proto.Chat, proto.CreateRoomPayload{
		Name:     fmt.Sprintf("bench-%d", time.Now().Unix()),
		MaxUsers: max(n, 2),
	})
	if err != nil {
		return nil, "", err
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, c := range clients {
		g.Go(func() error {
			if _, err := c.JoinRoom(gctx, proto.Chat, room.ID, ""); err != nil {
				return fmt.Errorf("client %d join: %w", i, err)
			}
			return nil
		})
	}
	return clients, room.ID, g.Wait()
}

func send(ctx context.Context, c *client.Client, roomID, payload string, interval time.Duration, deadline time.Time) result {
	var r result
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return r
		case <-ticker.C:
		}
		start := time.Now()
		if _, err := c.SendMessage(ctx, proto.Chat, roomID, payload, nil); err != nil {
			r.failed++
			continue
		}
		r.latencies = append(r.latencies, time.Since(start))
	}
	return r
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}
