package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/exchange-api/internal/auth"
	"github.com/ksred/exchange-api/internal/database"
	"github.com/ksred/exchange-api/internal/events"
	"github.com/ksred/exchange-api/internal/expiry"
	"github.com/ksred/exchange-api/internal/holdings"
	"github.com/ksred/exchange-api/internal/matching"
	"github.com/ksred/exchange-api/internal/orders"
	"github.com/ksred/exchange-api/internal/types"
	"github.com/ksred/exchange-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	numInvestors  = 8
	serverAddress = "http://localhost:8080"
	jwtSecret     = "simulation-secret-key"
	apiKey        = "simulation-api-key"
	apiSecret     = "simulation-api-secret"
	seedAvailable = 100000
)

var (
	pairs = []types.TradingPair{
		{PairID: "AAPL-USD", AssetID: "AAPL", Active: true},
		{PairID: "GOOGL-USD", AssetID: "GOOGL", Active: true},
		{PairID: "MSFT-USD", AssetID: "MSFT", Active: true},
		{PairID: "AMZN-USD", AssetID: "AMZN", Active: true},
	}
	sides = []string{types.SideBuy, types.SideSell}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP communication with the exchange API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":       {name: "Authentication"},
			"place":      {name: "Place Order"},
			"cancel":     {name: "Cancel Order"},
			"match":      {name: "Matching Pass"},
			"book":       {name: "Order Book"},
			"activities": {name: "Activities"},
		},
	}

	// Get auth token
	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}

	return result.Token, nil
}

// placeOrder submits a new order to the API
// Returns the order ID on success
func (sc *simulationClient) placeOrder(req *orders.PlaceOrderRequest) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["place"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}

	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Place order response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["place"].failures++
		return "", fmt.Errorf("place order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.OrderID == "" {
		return "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	return result.Data.OrderID, nil
}

// cancelOrder requests cancellation of an open order
func (sc *simulationClient) cancelOrder(orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"PATCH",
		fmt.Sprintf("%s/api/v1/orders/%s/cancel", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Cancel order response")

	// A 409 means the matching pass got there first, which is expected
	// behaviour under concurrent load.
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		sc.stats["cancel"].failures++
		return fmt.Errorf("cancel order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return nil
}

// runMatchingPass triggers a matching pass over all trading pairs
// Returns the matching report on success
func (sc *simulationClient) runMatchingPass() (*types.MatchingReport, error) {
	start := time.Now()
	defer func() {
		sc.stats["match"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/internal/matching/run", sc.baseURL),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Matching pass response")

	if resp.StatusCode != http.StatusOK {
		sc.stats["match"].failures++
		return nil, fmt.Errorf("matching pass failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                 `json:"success"`
		Data    types.MatchingReport `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// getOrderBook retrieves the aggregated order book for a trading pair
func (sc *simulationClient) getOrderBook(pairID string) (*types.OrderBook, error) {
	start := time.Now()
	defer func() {
		sc.stats["book"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/orders/book/%s", sc.baseURL, pairID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats["book"].failures++
		return nil, fmt.Errorf("get order book failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool            `json:"success"`
		Data    types.OrderBook `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// getActivities retrieves the recent order and trade activity for a pair
func (sc *simulationClient) getActivities(pairID string) ([]types.Activity, error) {
	start := time.Now()
	defer func() {
		sc.stats["activities"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/orders/activities/%s", sc.baseURL, pairID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats["activities"].failures++
		return nil, fmt.Errorf("get activities failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool             `json:"success"`
		Data    []types.Activity `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return result.Data, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main runs the exchange simulation
// It starts a local API server, floods it with concurrent orders, then
// drives matching passes and reports the resulting books and trades
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	// Channel to collect order IDs
	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			placeOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	// Wait for all orders to be created
	wg.Wait()
	close(ordersChan)

	// Collect all order IDs
	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_placed", len(orderIDs)).Msg("All orders placed")

	// Cancel a small sample of orders before matching to exercise the
	// release path
	cancelled := 0
	for i, orderID := range orderIDs {
		if i%10 != 0 {
			continue
		}
		if err := simClient.cancelOrder(orderID); err != nil {
			log.Error().Err(err).Str("order_id", orderID).Msg("Failed to cancel order")
			continue
		}
		cancelled++
	}
	log.Info().Int("cancelled", cancelled).Msg("Sample orders cancelled")

	// Run matching passes until a pass produces no trades
	stats := struct {
		TotalOrders    int
		Cancelled      int
		Passes         int
		TradesProduced int
		PairFailures   int
		StartTime      time.Time
	}{
		TotalOrders: len(orderIDs),
		Cancelled:   cancelled,
		StartTime:   time.Now(),
	}

	for {
		report, err := simClient.runMatchingPass()
		if err != nil {
			log.Error().Err(err).Msg("Matching pass failed")
			break
		}
		stats.Passes++
		stats.TradesProduced += report.TradesProduced
		stats.PairFailures += len(report.PairFailures)

		log.Info().
			Int("orders_considered", report.OrdersConsidered).
			Int("trades_produced", report.TradesProduced).
			Int("pair_failures", len(report.PairFailures)).
			Msg("Matching pass complete")

		if report.TradesProduced == 0 {
			break
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 EXCHANGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders:     %d
Cancelled:        %d
Matching Passes:  %d
Trades Produced:  %d
Pair Failures:    %d
Duration:         %v

📈 Order Books
--------------------
`, stats.TotalOrders, stats.Cancelled, stats.Passes, stats.TradesProduced,
		stats.PairFailures, duration.Round(time.Millisecond))

	// Print residual depth per pair
	for _, pair := range pairs {
		book, err := simClient.getOrderBook(pair.PairID)
		if err != nil {
			log.Error().Err(err).Str("pair_id", pair.PairID).Msg("Failed to fetch order book")
			continue
		}

		buyDepth := decimal.Zero
		for _, level := range book.Buy {
			buyDepth = buyDepth.Add(level.Qty)
		}
		sellDepth := decimal.Zero
		for _, level := range book.Sell {
			sellDepth = sellDepth.Add(level.Qty)
		}

		activities, err := simClient.getActivities(pair.PairID)
		if err != nil {
			log.Error().Err(err).Str("pair_id", pair.PairID).Msg("Failed to fetch activities")
			continue
		}

		fmt.Printf("%-10s buy levels: %3d (qty %s)  sell levels: %3d (qty %s)  activities: %d\n",
			pair.PairID, len(book.Buy), buyDepth.String(), len(book.Sell), sellDepth.String(), len(activities))
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("total_orders", stats.TotalOrders).
		Int("trades_produced", stats.TradesProduced).
		Int("matching_passes", stats.Passes).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// placeOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending placed order IDs to ordersChan
func placeOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		pair := pairs[rand.Intn(len(pairs))]
		req := &orders.PlaceOrderRequest{
			InvestorID:    fmt.Sprintf("INV_%d", rand.Intn(numInvestors)),
			TradingPairID: pair.PairID,
			Side:          sides[rand.Intn(len(sides))],
			Price:         decimal.NewFromInt(int64(rand.Intn(100) + 50)),
			Qty:           decimal.NewFromInt(int64(rand.Intn(20) + 1)),
		}

		orderID, err := simClient.placeOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("trading_pair_id", req.TradingPairID).
				Msg("Failed to place order")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("trading_pair_id", req.TradingPairID).
			Str("side", req.Side).
			Str("qty", req.Qty.String()).
			Str("price", req.Price.String()).
			Msg("Order placed")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
}

// startServer initializes and starts the exchange API server
// Sets up all required services, handlers and routes against an
// in-memory database seeded with trading pairs and holdings
func startServer() error {
	// Initialize database
	db, err := database.NewTestDatabase()
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := seedReferenceData(db); err != nil {
		return fmt.Errorf("failed to seed reference data: %w", err)
	}

	// Initialize services
	authService := auth.NewService(jwtSecret)
	holdingsManager := holdings.NewManager(db)
	ordersService := orders.NewService(db, holdingsManager)
	matchingEngine := matching.NewEngine(db, holdingsManager)
	expirySweeper := expiry.NewSweeper(db, holdingsManager, time.Minute)
	eventConsumer := events.NewConsumer(db, holdingsManager)

	authService.RegisterAPICredentials(apiKey, apiSecret)

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	ordersHandlers := orders.NewGinHandlers(ordersService)
	holdingsHandlers := holdings.NewGinHandlers(holdingsManager)
	matchingHandlers := matching.NewGinHandlers(matchingEngine)
	expiryHandlers := expiry.NewGinHandlers(expirySweeper)
	eventHandlers := events.NewGinHandlers(eventConsumer)

	// Setup routes
	setupRoutes(router, authHandlers, ordersHandlers, holdingsHandlers, matchingHandlers, expiryHandlers, eventHandlers)

	// Start the server
	return router.Run(":8080")
}

// seedReferenceData creates the trading pairs and investor holdings the
// simulation trades against
func seedReferenceData(db *gorm.DB) error {
	for _, pair := range pairs {
		p := pair
		if err := db.Create(&p).Error; err != nil {
			return fmt.Errorf("failed to create trading pair %s: %w", pair.PairID, err)
		}
	}

	for i := 0; i < numInvestors; i++ {
		for _, pair := range pairs {
			holding := types.Holding{
				InvestorID:   fmt.Sprintf("INV_%d", i),
				AssetID:      pair.AssetID,
				AvailableQty: decimal.NewFromInt(seedAvailable),
				ReservedQty:  decimal.Zero,
			}
			if err := db.Create(&holding).Error; err != nil {
				return fmt.Errorf("failed to create holding: %w", err)
			}
		}
	}

	return nil
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality and applies appropriate middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	ordersHandlers *orders.GinHandlers,
	holdingsHandlers *holdings.GinHandlers,
	matchingHandlers *matching.GinHandlers,
	expiryHandlers *expiry.GinHandlers,
	eventHandlers *events.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		ordersGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			ordersGroup.POST("", ordersHandlers.PlaceOrderHandler())
			ordersGroup.GET("/:order_id", ordersHandlers.GetOrderHandler())
			ordersGroup.PATCH("/:order_id", ordersHandlers.UpdateOrderHandler())
			ordersGroup.PATCH("/:order_id/cancel", ordersHandlers.CancelOrderHandler())
			ordersGroup.GET("/book/:pair_id", ordersHandlers.GetOrderBookHandler())
			ordersGroup.GET("/activities/:pair_id", ordersHandlers.GetActivitiesHandler())
		}

		// Holdings routes
		holdingsGroup := v1.Group("/holdings")
		holdingsGroup.Use(middleware.JWTAuth(jwtSecret))
		{
			holdingsGroup.GET("/:investor_id", holdingsHandlers.GetHoldingsHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/matching/run", matchingHandlers.RunPassHandler())
			internal.POST("/expiry/run", expiryHandlers.RunSweepHandler())
			internal.POST("/trades/manual", matchingHandlers.ManualTradeHandler())
			internal.GET("/sync-errors", eventHandlers.ListSyncErrorsHandler())
			internal.POST("/sync-errors/:id/resolve", eventHandlers.ResolveSyncErrorHandler())
		}
	}
}
