// edge-tap subscribes to one analytics bus channel and prints how the router
// would translate each payload. Useful against a live detector when a channel
// produces no records downstream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/trafficwatch/edge-handler/internal/metrics"
	"github.com/trafficwatch/edge-handler/internal/record"
	"github.com/trafficwatch/edge-handler/internal/router"
	"go.uber.org/zap"
)

func main() {
	addr := "localhost:6379"
	channel := "traffic.vehicle_2k"
	label := "vehicle_2k"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}
	if len(os.Args) > 2 {
		channel = os.Args[2]
	}
	if len(os.Args) > 3 {
		label = os.Args[3]
	}

	metrics.Register()
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "subscribe %s on %s: %v\n", channel, addr, err)
		os.Exit(1)
	}
	fmt.Printf("subscribed to %s on %s, routing as %q\n\n", channel, addr, label)

	rt := router.New(nil, logger)
	msgNum := 0
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\nTotal bus messages: %d\n", msgNum)
			return
		case msg, ok := <-ch:
			if !ok {
				fmt.Printf("\nTotal bus messages: %d\n", msgNum)
				return
			}
			msgNum++
			fmt.Printf("=== Bus msg %d (%d bytes) ===\n", msgNum, len(msg.Payload))
			result := rt.Route([]byte(msg.Payload), label, nil)
			printList("server", result.ToServer)
			printList("merge", result.ToMerge)
			printList("ocr", result.ToOCR)
			fmt.Println()
		}
	}
}

func printList(target string, recs []record.Record) {
	if len(recs) == 0 {
		return
	}
	fmt.Printf("  -> %s: %d record(s)\n", target, len(recs))
	for i, rec := range recs {
		fmt.Printf("     [%d] data_type=%s key=%q\n",
			i, rec.Type(), rec.Str(record.KeyUniqueKeyPlain))
		for _, key := range []string{
			record.KeyCarID2K, record.KeyCarID4K, record.KeyLaneNo,
			record.KeyTurnTypeCd, record.KeyStopPassTime, record.KeyVehicleClass,
		} {
			if rec.Has(key) {
				fmt.Printf("         %s=%s\n", key, rec.Str(key))
			}
		}
	}
}
