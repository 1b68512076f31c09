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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/dealbridge/dealbridge-api/internal/auth"
	"github.com/dealbridge/dealbridge-api/internal/bids"
	"github.com/dealbridge/dealbridge-api/internal/config"
	"github.com/dealbridge/dealbridge-api/internal/connections"
	"github.com/dealbridge/dealbridge-api/internal/database"
	"github.com/dealbridge/dealbridge-api/internal/deals"
	"github.com/dealbridge/dealbridge-api/internal/negotiations"
	"github.com/dealbridge/dealbridge-api/internal/notify"
	"github.com/dealbridge/dealbridge-api/internal/types"
	"github.com/dealbridge/dealbridge-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minDeals      = 5
	maxDeals      = 25
	numBidders    = 4
	serverAddress = "http://localhost:8080"
)

var (
	dealTypes = []string{types.DealTypeCPA, types.DealTypeRebates, types.DealTypeHybrid, types.DealTypePnl}
	regions   = []string{"EU", "APAC", "LATAM", "MENA"}
	titles    = []string{"IB Partnership", "Affiliate Program", "Regional Growth Push", "Volume Partnership", "Acquisition Campaign"}
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

// simulationClient handles HTTP communication with the marketplace API on
// behalf of one authenticated identity
type simulationClient struct {
	baseURL   string
	authToken string
	userID    string
	client    *http.Client
	stats     map[string]*routeStats
}

// sharedStats is the route statistics registry shared by every identity
var sharedStats = map[string]*routeStats{
	"auth":        {name: "Authentication"},
	"createDeal":  {name: "Create Deal"},
	"listDeals":   {name: "List Deals"},
	"submitBid":   {name: "Submit Bid"},
	"negotiate":   {name: "Negotiate"},
	"acceptBid":   {name: "Accept Bid"},
	"connections": {name: "Connections"},
	"message":     {name: "Send Message"},
	"markRead":    {name: "Mark Read"},
}

// newSimulationClient creates a client and authenticates it with the given
// API credentials
func newSimulationClient(userID, apiKey, apiSecret string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		userID:  userID,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: sharedStats,
	}

	token, err := sc.authenticate(apiKey, apiSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate %s: %w", userID, err)
	}
	sc.authToken = token

	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
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

// do sends an authenticated request and decodes the response envelope's data
// field into out
func (sc *simulationClient) do(statKey, method, path string, payload, out interface{}) error {
	start := time.Now()
	stat := sc.stats[statKey]
	defer func() {
		stat.addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			stat.failures++
			return err
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		stat.failures++
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		stat.failures++
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		stat.failures++
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		stat.failures++
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		stat.failures++
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		stat.failures++
		return fmt.Errorf("failed to decode response data: %w, body: %s", err, string(respBody))
	}
	return nil
}

// randomTerms builds a valid terms payload for the deal type, scaled by a
// multiplier so counter-offers differ from the posted terms
func randomTerms(dealType string, multiplier float64) *types.Terms {
	cpa := func() *types.CPATerms {
		numTiers := rand.Intn(3) + 1
		tiers := make([]types.CPATier, 0, numTiers)
		for i := 0; i < numTiers; i++ {
			tiers = append(tiers, types.CPATier{
				TierName:      fmt.Sprintf("Tier %d", i+1),
				DepositAmount: float64((i+1)*250) * multiplier,
				CPAAmount:     float64((i+1)*400) * multiplier,
			})
		}
		return &types.CPATerms{
			Tiers:        tiers,
			FTDsPerMonth: rand.Intn(200) + 10,
		}
	}
	rebate := func() *types.RebateTerms {
		return &types.RebateTerms{
			RebatePerLot:       (float64(rand.Intn(10)) + 1) * multiplier,
			ExpectedVolumeLots: float64(rand.Intn(5000) + 500),
		}
	}

	switch dealType {
	case types.DealTypeCPA:
		return &types.Terms{CPA: cpa()}
	case types.DealTypeRebates:
		return &types.Terms{Rebate: rebate()}
	case types.DealTypeHybrid:
		return &types.Terms{CPA: cpa(), Rebate: rebate()}
	default:
		pct := 20 + rand.Float64()*40*multiplier
		if pct > 100 {
			pct = 100
		}
		return &types.Terms{Pnl: &types.PnlTerms{PnlPercentage: pct}}
	}
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sharedStats {
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

// main runs the marketplace simulation
// It starts a local API server, posts deals as a requester, bids and
// negotiates as a pool of bidders, accepts one bid per deal, and exchanges
// messages over the resulting connections
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Authenticate the requester and the bidder pool
	requester, err := newSimulationClient("SIM_REQUESTER", auth.TestRequesterKey, auth.TestRequesterSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize requester client")
	}

	bidderClients := make([]*simulationClient, 0, numBidders)
	for i := 0; i < numBidders; i++ {
		bidder, err := newSimulationClient(
			fmt.Sprintf("SIM_BIDDER_%d", i+1),
			fmt.Sprintf("sim-bidder-key-%d", i+1),
			fmt.Sprintf("sim-bidder-secret-%d", i+1),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize bidder client")
		}
		bidderClients = append(bidderClients, bidder)
	}

	targetDeals := rand.Intn(maxDeals-minDeals) + minDeals
	log.Info().Int("target_deals", targetDeals).Int("bidders", numBidders).Msg("Starting simulation")

	stats := struct {
		DealsCreated     int
		BidsSubmitted    int
		RoundsNegotiated int
		BidsAccepted     int
		MessagesSent     int
		FailedDeals      int
		FailedBids       int
		FailedAccepts    int
		StartTime        time.Time
		DealTypes        map[string]int
		Regions          map[string]int
	}{
		StartTime: time.Now(),
		DealTypes: make(map[string]int),
		Regions:   make(map[string]int),
	}

	// Post deals as the requester
	type liveDeal struct {
		dealID   string
		dealType string
	}
	var liveDeals []liveDeal
	for i := 0; i < targetDeals; i++ {
		dealType := dealTypes[rand.Intn(len(dealTypes))]
		region := regions[rand.Intn(len(regions))]
		payload := map[string]interface{}{
			"title":       fmt.Sprintf("%s #%d", titles[rand.Intn(len(titles))], i+1),
			"description": "Simulated marketplace deal",
			"deal_type":   dealType,
			"region":      region,
			"instruments": []string{"FX", "Indices"},
			"terms":       randomTerms(dealType, 1.0),
		}

		var deal types.DealResponse
		if err := requester.do("createDeal", "POST", "/api/v1/deals", payload, &deal); err != nil {
			log.Error().Err(err).Msg("Failed to create deal")
			stats.FailedDeals++
			continue
		}
		liveDeals = append(liveDeals, liveDeal{dealID: deal.DealID, dealType: deal.DealType})
		stats.DealsCreated++
		stats.DealTypes[dealType]++
		stats.Regions[region]++
		log.Info().Str("deal_id", deal.DealID).Str("deal_type", dealType).Msg("Deal created")
	}

	// Each bidder browses the anonymized listing once
	for _, bidder := range bidderClients {
		var listing []types.DealResponse
		if err := bidder.do("listDeals", "GET", "/api/v1/deals", nil, &listing); err != nil {
			log.Error().Err(err).Str("bidder", bidder.userID).Msg("Failed to list deals")
		}
	}

	// Bidders place offers on every deal
	dealBids := make(map[string][]types.BidResponse)
	for _, deal := range liveDeals {
		for _, bidder := range bidderClients {
			payload := map[string]interface{}{
				"deal_id": deal.dealID,
				"offer":   randomTerms(deal.dealType, 0.9),
				"message": "Interested, see attached structure",
			}
			var bid types.BidResponse
			if err := bidder.do("submitBid", "POST", "/api/v1/bids", payload, &bid); err != nil {
				log.Error().Err(err).Str("deal_id", deal.dealID).Str("bidder", bidder.userID).Msg("Failed to submit bid")
				stats.FailedBids++
				continue
			}
			dealBids[deal.dealID] = append(dealBids[deal.dealID], bid)
			stats.BidsSubmitted++
		}
	}

	// Negotiate a couple of rounds on one bid per deal, requester first
	for _, deal := range liveDeals {
		bidsOnDeal := dealBids[deal.dealID]
		if len(bidsOnDeal) == 0 {
			continue
		}
		target := bidsOnDeal[rand.Intn(len(bidsOnDeal))]
		bidderClient := bidderByID(bidderClients, target.BidderID)

		rounds := rand.Intn(2)*2 + 2 // 2 or 4, so the bidder always answers
		proposer := requester
		for r := 0; r < rounds; r++ {
			payload := map[string]interface{}{
				"bid_id":  target.BidID,
				"terms":   randomTerms(deal.dealType, 0.9+rand.Float64()*0.2),
				"message": fmt.Sprintf("Counter-offer round %d", r+1),
			}
			var round types.NegotiationResponse
			if err := proposer.do("negotiate", "POST", "/api/v1/negotiations", payload, &round); err != nil {
				log.Error().Err(err).Str("bid_id", target.BidID).Msg("Failed to negotiate")
				break
			}
			stats.RoundsNegotiated++
			if proposer == requester {
				proposer = bidderClient
			} else {
				proposer = requester
			}
		}
	}

	// The requester accepts one bid per deal, closing it and rejecting the rest
	var connectionIDs []string
	connectionBidders := make(map[string]*simulationClient)
	for _, deal := range liveDeals {
		bidsOnDeal := dealBids[deal.dealID]
		if len(bidsOnDeal) == 0 {
			continue
		}
		winner := bidsOnDeal[rand.Intn(len(bidsOnDeal))]

		var accepted types.AcceptBidResponse
		path := fmt.Sprintf("/api/v1/bids/%s/accept", winner.BidID)
		if err := requester.do("acceptBid", "POST", path, nil, &accepted); err != nil {
			log.Error().Err(err).Str("bid_id", winner.BidID).Msg("Failed to accept bid")
			stats.FailedAccepts++
			continue
		}
		stats.BidsAccepted++
		connectionIDs = append(connectionIDs, accepted.Connection.ConnectionID)
		connectionBidders[accepted.Connection.ConnectionID] = bidderByID(bidderClients, winner.BidderID)
		log.Info().
			Str("deal_id", deal.dealID).
			Str("bid_id", winner.BidID).
			Str("connection_id", accepted.Connection.ConnectionID).
			Msg("Bid accepted, connection created")
	}

	// Exchange messages over every connection and confirm read receipts
	for _, connectionID := range connectionIDs {
		bidderClient := connectionBidders[connectionID]
		messagePath := fmt.Sprintf("/api/v1/connections/%s/messages", connectionID)
		readPath := fmt.Sprintf("/api/v1/connections/%s/read", connectionID)

		pairs := []struct {
			sender  *simulationClient
			content string
		}{
			{requester, "Great to be connected, let's finalize the onboarding."},
			{bidderClient, "Likewise, sending over the paperwork today."},
			{requester, "Received, speak soon."},
		}
		for _, p := range pairs {
			var message types.MessageResponse
			if err := p.sender.do("message", "POST", messagePath, map[string]string{"content": p.content}, &message); err != nil {
				log.Error().Err(err).Str("connection_id", connectionID).Msg("Failed to send message")
				continue
			}
			stats.MessagesSent++
		}

		for _, reader := range []*simulationClient{requester, bidderClient} {
			if err := reader.do("markRead", "POST", readPath, nil, nil); err != nil {
				log.Error().Err(err).Str("connection_id", connectionID).Msg("Failed to mark messages read")
			}
		}

		var listing []types.ConnectionResponse
		if err := bidderClient.do("connections", "GET", "/api/v1/connections", nil, &listing); err != nil {
			log.Error().Err(err).Str("connection_id", connectionID).Msg("Failed to list connections")
		}
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("MARKETPLACE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Deal Statistics
---------------
Deals Created:     %d
Bids Submitted:    %d
Rounds Negotiated: %d
Bids Accepted:     %d
Messages Sent:     %d
Failed Deals:      %d
Failed Bids:       %d
Failed Accepts:    %d
Duration:          %v

Deal Type Distribution
----------------------
`, stats.DealsCreated, stats.BidsSubmitted, stats.RoundsNegotiated, stats.BidsAccepted,
		stats.MessagesSent, stats.FailedDeals, stats.FailedBids, stats.FailedAccepts,
		duration.Round(time.Millisecond))

	// Print deal type distribution with simple ASCII bar chart
	maxTypeCount := 0
	for _, count := range stats.DealTypes {
		if count > maxTypeCount {
			maxTypeCount = count
		}
	}
	for dealType, count := range stats.DealTypes {
		barLength := int(float64(count) / float64(maxTypeCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-8s: %s (%d)\n", dealType, bar, count)
	}

	fmt.Println("\nRegion Distribution")
	fmt.Println("-------------------")
	for region, count := range stats.Regions {
		barLength := int(float64(count) / float64(stats.DealsCreated) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-6s: %s (%d)\n", region, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := 0.0
	if stats.DealsCreated > 0 {
		successRate = float64(stats.BidsAccepted) / float64(stats.DealsCreated) * 100
	}
	log.Info().
		Float64("close_rate", successRate).
		Int("deals_created", stats.DealsCreated).
		Int("bids_accepted", stats.BidsAccepted).
		Dur("duration", duration).
		Msg("Simulation completed")

	printPerformanceStats()
}

// bidderByID finds the client that owns the given simulated bidder identity
func bidderByID(clients []*simulationClient, userID string) *simulationClient {
	for _, c := range clients {
		if c.userID == userID {
			return c
		}
	}
	return clients[0]
}

// startServer initializes and starts the marketplace API server
// Sets up all required services, handlers and routes
func startServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// Initialize services
	authService := auth.NewService(cfg.JWTSecret)
	hub := notify.NewHub()
	dealsService := deals.NewService(db)
	bidsService := bids.NewService(db, hub)
	negotiationsService := negotiations.NewService(db, hub)
	connectionsService := connections.NewService(db, hub)

	// Register simulated identities
	authService.RegisterAPICredentials(auth.TestRequesterKey, auth.TestRequesterSecret, "SIM_REQUESTER", types.RoleRequester)
	for i := 0; i < numBidders; i++ {
		authService.RegisterAPICredentials(
			fmt.Sprintf("sim-bidder-key-%d", i+1),
			fmt.Sprintf("sim-bidder-secret-%d", i+1),
			fmt.Sprintf("SIM_BIDDER_%d", i+1),
			types.RoleBidder,
		)
	}

	// Initialize router
	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	dealsHandlers := deals.NewGinHandlers(dealsService)
	bidsHandlers := bids.NewGinHandlers(bidsService)
	negotiationsHandlers := negotiations.NewGinHandlers(negotiationsService)
	connectionsHandlers := connections.NewGinHandlers(connectionsService)

	// Setup routes
	setupRoutes(router, cfg, authHandlers, dealsHandlers, bidsHandlers, negotiationsHandlers, connectionsHandlers)

	// Start the server
	return router.Run(":" + cfg.Port)
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality; rate limiting is left out so the simulation
// can drive sustained load
func setupRoutes(
	router *gin.Engine,
	cfg *config.Config,
	authHandlers *auth.GinHandlers,
	dealsHandlers *deals.GinHandlers,
	bidsHandlers *bids.GinHandlers,
	negotiationsHandlers *negotiations.GinHandlers,
	connectionsHandlers *connections.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Deal routes
		dealsGroup := v1.Group("/deals")
		dealsGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			dealsGroup.POST("", dealsHandlers.CreateDealHandler())
			dealsGroup.GET("", dealsHandlers.ListDealsHandler())
			dealsGroup.GET("/:deal_id", dealsHandlers.GetDealHandler())
			dealsGroup.PUT("/:deal_id", dealsHandlers.UpdateDealHandler())
			dealsGroup.DELETE("/:deal_id", dealsHandlers.CancelDealHandler())
			dealsGroup.GET("/:deal_id/bids", bidsHandlers.ListBidsByDealHandler())
		}

		// Bid routes
		bidsGroup := v1.Group("/bids")
		bidsGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			bidsGroup.POST("", bidsHandlers.SubmitBidHandler())
			bidsGroup.GET("/:bid_id", bidsHandlers.GetBidHandler())
			bidsGroup.POST("/:bid_id/withdraw", bidsHandlers.WithdrawBidHandler())
			bidsGroup.POST("/:bid_id/accept", bidsHandlers.AcceptBidHandler())
			bidsGroup.POST("/:bid_id/reject", bidsHandlers.RejectBidHandler())
			bidsGroup.GET("/:bid_id/negotiations", negotiationsHandlers.ListRoundsHandler())
		}

		// Negotiation routes
		negotiationsGroup := v1.Group("/negotiations")
		negotiationsGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			negotiationsGroup.POST("", negotiationsHandlers.AppendRoundHandler())
		}

		// Connection routes
		connectionsGroup := v1.Group("/connections")
		connectionsGroup.Use(middleware.JWTAuth(cfg.JWTSecret))
		{
			connectionsGroup.GET("", connectionsHandlers.ListConnectionsHandler())
			connectionsGroup.GET("/:connection_id", connectionsHandlers.GetConnectionHandler())
			connectionsGroup.POST("/:connection_id/messages", connectionsHandlers.SendMessageHandler())
			connectionsGroup.POST("/:connection_id/read", connectionsHandlers.MarkReadHandler())
		}
	}
}
