package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-broker/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

// symbols quoted by the default paper broker
var symbols = []string{"AAPL", "MSFT", "SPY", "TSLA"}

// submitResult is the data of an order submission response.
type submitResult struct {
	Order    types.Order `json:"order"`
	Cached   bool        `json:"cached"`
	Accepted bool        `json:"accepted"`
}

type simulateOptions struct {
	apiKey        string
	apiSecret     string
	broker        string
	orders        int
	workers       int
	duplicateRate float64
	wait          time.Duration
}

// simulation tallies the outcome of a run
type simulation struct {
	mu           sync.Mutex
	orderIDs     []string
	submitFailed int
	replays      int
	replayErrors int
	statuses     map[types.OrderStatus]int
	symbols      map[string]int
}

func (s *simulation) created(orderID, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orderIDs = append(s.orderIDs, orderID)
	s.symbols[symbol]++
}

func (s *simulation) failed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitFailed++
}

func (s *simulation) replayed(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replays++
	if !ok {
		s.replayErrors++
	}
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Submit concurrent orders against a running service",
		Long: "Authenticates, connects the paper broker and submits orders from several " +
			"workers. A share of submissions is replayed with the same Idempotency-Key to " +
			"check that the original order comes back.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation(cmd.Context(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.apiKey, "api-key", envOr("KLEAR_API_KEY", "test-api-key"), "API key")
	cmd.Flags().StringVar(&opts.apiSecret, "api-secret", envOr("KLEAR_API_SECRET", "test-api-secret"), "API secret")
	cmd.Flags().StringVar(&opts.broker, "broker", "paper", "broker to trade through")
	cmd.Flags().IntVar(&opts.orders, "orders", 50, "orders to submit")
	cmd.Flags().IntVar(&opts.workers, "workers", 5, "concurrent submitters")
	cmd.Flags().Float64Var(&opts.duplicateRate, "duplicate-rate", 0.2, "share of orders replayed with the same idempotency key")
	cmd.Flags().DurationVar(&opts.wait, "wait", 30*time.Second, "how long to wait for orders to settle")
	return cmd
}

func runSimulation(ctx context.Context, root *rootOptions, opts *simulateOptions) error {
	if opts.workers <= 0 || opts.orders <= 0 {
		return fmt.Errorf("orders and workers must be positive")
	}

	c := newClient(root.server, "")
	if err := c.authenticate(ctx, opts.apiKey, opts.apiSecret); err != nil {
		return err
	}

	if _, err := c.do(ctx, "connect", http.MethodPost, "/api/v1/connections/"+opts.broker, nil, nil, nil); err != nil {
		return fmt.Errorf("failed to connect %s: %w", opts.broker, err)
	}

	sim := &simulation{
		statuses: make(map[types.OrderStatus]int),
		symbols:  make(map[string]int),
	}
	start := time.Now()
	log.Info().Int("orders", opts.orders).Int("workers", opts.workers).Msg("Starting simulation")

	work := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < opts.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for range work {
				submitOrder(ctx, c, sim, opts, rng, workerID)
			}
		}(i)
	}
	for i := 0; i < opts.orders; i++ {
		select {
		case work <- i:
		case <-ctx.Done():
		}
	}
	close(work)
	wg.Wait()

	log.Info().Int("orders_created", len(sim.orderIDs)).Msg("All orders submitted")

	awaitOrders(ctx, c, sim, opts.wait)
	printSummary(sim, opts, time.Since(start))
	c.printStats()
	return nil
}

func submitOrder(ctx context.Context, c *client, sim *simulation, opts *simulateOptions, rng *rand.Rand, workerID int) {
	body := map[string]interface{}{
		"broker":     opts.broker,
		"symbol":     symbols[rng.Intn(len(symbols))],
		"side":       types.SideBuy,
		"order_type": types.OrderTypeMarket,
		"quantity":   decimal.NewFromInt(int64(rng.Intn(10) + 1)),
	}
	key := uuid.New().String()
	headers := map[string]string{"Idempotency-Key": key}

	var res submitResult
	if _, err := c.do(ctx, "submit", http.MethodPost, "/api/v1/orders", headers, body, &res); err != nil {
		log.Error().Err(err).Int("worker_id", workerID).Msg("Failed to submit order")
		sim.failed()
		return
	}
	order := res.Order
	sim.created(order.OrderID, order.Symbol)
	log.Info().
		Int("worker_id", workerID).
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("status", string(order.Status)).
		Msg("Order submitted")

	if rng.Float64() >= opts.duplicateRate {
		return
	}

	var replay submitResult
	status, err := c.do(ctx, "submit_replay", http.MethodPost, "/api/v1/orders", headers, body, &replay)
	ok := err == nil && status == http.StatusOK && replay.Cached && replay.Order.OrderID == order.OrderID
	sim.replayed(ok)
	if !ok {
		log.Error().
			Err(err).
			Int("status", status).
			Str("order_id", order.OrderID).
			Str("replay_order_id", replay.Order.OrderID).
			Msg("Replayed idempotency key returned a different result")
	}
}

// awaitOrders polls each order until it is terminal or wait runs out.
func awaitOrders(ctx context.Context, c *client, sim *simulation, wait time.Duration) {
	deadline := time.Now().Add(wait)
	pending := append([]string(nil), sim.orderIDs...)

	for len(pending) > 0 && time.Now().Before(deadline) && ctx.Err() == nil {
		var still []string
		for _, id := range pending {
			var order types.Order
			if _, err := c.do(ctx, "get", http.MethodGet, "/api/v1/orders/"+id, nil, nil, &order); err != nil {
				log.Error().Err(err).Str("order_id", id).Msg("Failed to fetch order")
				still = append(still, id)
				continue
			}
			if !order.Status.Terminal() {
				still = append(still, id)
				continue
			}
			sim.statuses[order.Status]++
		}
		pending = still
		if len(pending) > 0 {
			time.Sleep(500 * time.Millisecond)
		}
	}
	sim.statuses[types.StatusPending] += len(pending)
}

func printSummary(sim *simulation, opts *simulateOptions, duration time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BROKER SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
------------------
Submitted:        %d
Submit failures:  %d
Filled:           %d
Rejected:         %d
Cancelled:        %d
Unsettled:        %d
Replays:          %d
Replay mismatches:%d
Duration:         %v

Symbol Distribution
--------------------
`, len(sim.orderIDs), sim.submitFailed,
		sim.statuses[types.StatusFilled], sim.statuses[types.StatusRejected], sim.statuses[types.StatusCancelled],
		sim.statuses[types.StatusPending], sim.replays, sim.replayErrors, duration.Round(time.Millisecond))

	maxCount := 0
	for _, count := range sim.symbols {
		if count > maxCount {
			maxCount = count
		}
	}
	for _, symbol := range symbols {
		count := sim.symbols[symbol]
		if count == 0 {
			continue
		}
		bar := strings.Repeat("#", int(float64(count)/float64(maxCount)*20))
		fmt.Printf("%-6s: %s (%d)\n", symbol, bar, count)
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Str("broker", opts.broker).
		Int("submitted", len(sim.orderIDs)).
		Int("filled", sim.statuses[types.StatusFilled]).
		Int("replay_mismatches", sim.replayErrors).
		Dur("duration", duration).
		Msg("Simulation completed")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
