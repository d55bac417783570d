package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-settlement/internal/auth"
)

const (
	minInstructions = 20
	maxInstructions = 120
	numWorkers      = 5
	serverAddress   = "http://localhost:8080"
	depositAmount   = "250000"
)

var (
	parties    = []string{"BANK_ALPHA", "BANK_BETA", "BANK_GAMMA", "FUND_DELTA", "FUND_OMEGA"}
	assets     = []string{"USD", "EUR", "BTC"}
	currencies = map[string]string{"USD": "USD", "EUR": "EUR", "BTC": "USD"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
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
	mu         sync.Mutex
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean, and 95th percentile durations
func (rs *routeStats) calculate() (min, max, mean, p95 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var total time.Duration
	for _, d := range rs.durations {
		total += d
	}
	mean = total / time.Duration(len(rs.durations))
	p95 = rs.durations[int(float64(len(rs.durations))*0.95)]
	return min, max, mean, p95
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type client struct {
	http  *http.Client
	token string
	stats map[string]*routeStats
}

func newClient() *client {
	return &client{
		http: &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"token":        {name: "POST /auth/token"},
			"deposit":      {name: "POST /internal/collateral/:party/deposit"},
			"instructions": {name: "POST /instructions"},
			"cycle":        {name: "POST /internal/cycles/run"},
			"positions":    {name: "GET /positions"},
			"collateral":   {name: "GET /collateral"},
			"cycles":       {name: "GET /cycles"},
		},
	}
}

func (c *client) do(statKey, method, path string, body interface{}) (*apiResponse, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, serverAddress+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.stats[statKey].record(elapsed, true)
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.stats[statKey].record(elapsed, true)
		return nil, err
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		c.stats[statKey].record(elapsed, true)
		return nil, fmt.Errorf("unparseable response from %s: %w", path, err)
	}

	c.stats[statKey].record(elapsed, !parsed.Success)
	return &parsed, nil
}

func (c *client) authenticate() error {
	resp, err := c.do("token", http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	})
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("token request rejected")
	}

	var token struct {
		Token string `json:"jwt_token"`
	}
	if err := json.Unmarshal(resp.Data, &token); err != nil {
		return err
	}
	c.token = token.Token
	return nil
}

func (c *client) fundParties() error {
	for _, party := range parties {
		resp, err := c.do("deposit", http.MethodPost,
			"/api/v1/internal/collateral/"+party+"/deposit",
			map[string]string{"amount": depositAmount})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("deposit rejected for %s", party)
		}
		log.Info().Str("party", party).Str("amount", depositAmount).Msg("collateral funded")
	}
	return nil
}

func (c *client) submitInstructions(count int) (accepted, rejected int) {
	type result struct{ accepted bool }
	jobs := make(chan int)
	results := make(chan result, count)

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				from := parties[rand.Intn(len(parties))]
				to := parties[rand.Intn(len(parties))]
				for to == from {
					to = parties[rand.Intn(len(parties))]
				}
				asset := assets[rand.Intn(len(assets))]
				amount := decimal.NewFromInt(int64(rand.Intn(20000) + 100))

				resp, err := c.do("instructions", http.MethodPost, "/api/v1/instructions", map[string]interface{}{
					"from_party": from,
					"to_party":   to,
					"asset":      asset,
					"amount":     amount,
					"currency":   currencies[asset],
				})
				if err != nil {
					log.Warn().Err(err).Msg("instruction submission errored")
					results <- result{}
					continue
				}
				if resp.Error != nil {
					log.Debug().
						Str("code", resp.Error.Code).
						Str("from", from).
						Str("to", to).
						Msg("instruction rejected")
				}
				results <- result{accepted: resp.Success}
			}
		}()
	}

	for i := 0; i < count; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	close(results)

	for r := range results {
		if r.accepted {
			accepted++
		} else {
			rejected++
		}
	}
	return accepted, rejected
}

func (c *client) runCycle() error {
	resp, err := c.do("cycle", http.MethodPost, "/api/v1/internal/cycles/run", nil)
	if err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("cycle trigger rejected")
	}
	log.Info().RawJSON("cycle", resp.Data).Msg("settlement cycle completed")
	return nil
}

func (c *client) querySnapshots() {
	for _, party := range parties {
		if resp, err := c.do("collateral", http.MethodGet, "/api/v1/collateral/"+party, nil); err == nil && resp.Success {
			log.Info().Str("party", party).RawJSON("collateral", resp.Data).Msg("collateral account")
		}
	}

	// Spot-check a few bilateral positions
	for i := 0; i < 3; i++ {
		a, b := parties[i], parties[(i+1)%len(parties)]
		asset := assets[rand.Intn(len(assets))]
		path := fmt.Sprintf("/api/v1/positions/%s/%s/%s", a, b, asset)
		if resp, err := c.do("positions", http.MethodGet, path, nil); err == nil && resp.Success {
			log.Info().RawJSON("position", resp.Data).Msg("netting position")
		}
	}

	if resp, err := c.do("cycles", http.MethodGet, "/api/v1/cycles", nil); err == nil && resp.Success {
		log.Info().RawJSON("stats", resp.Data).Msg("cycle statistics for the last 24h")
	}
}

func (c *client) printStats() {
	fmt.Println("\n=== Route performance ===")
	for _, rs := range c.stats {
		if rs.totalCalls == 0 {
			continue
		}
		min, max, mean, p95 := rs.calculate()
		fmt.Printf("%-45s calls=%-4d failures=%-3d min=%-10s max=%-10s mean=%-10s p95=%s\n",
			rs.name, rs.totalCalls, rs.failures, min, max, mean, p95)
	}
}

func main() {
	c := newClient()

	if err := c.authenticate(); err != nil {
		log.Fatal().Err(err).Msg("authentication failed, is the server running?")
	}
	log.Info().Msg("authenticated against settlement API")

	if err := c.fundParties(); err != nil {
		log.Fatal().Err(err).Msg("collateral funding failed")
	}

	count := rand.Intn(maxInstructions-minInstructions+1) + minInstructions
	log.Info().Int("count", count).Msg("submitting instruction burst")

	accepted, rejected := c.submitInstructions(count)
	log.Info().
		Int("accepted", accepted).
		Int("rejected", rejected).
		Msg("instruction burst finished")

	if err := c.runCycle(); err != nil {
		log.Error().Err(err).Msg("cycle trigger failed")
	}

	// Second burst to exercise netting across cycles
	accepted2, rejected2 := c.submitInstructions(count / 2)
	log.Info().
		Int("accepted", accepted2).
		Int("rejected", rejected2).
		Msg("second instruction burst finished")

	if err := c.runCycle(); err != nil {
		log.Error().Err(err).Msg("cycle trigger failed")
	}

	c.querySnapshots()
	c.printStats()
}
