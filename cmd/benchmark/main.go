package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/punchamoorthee/payoutops/internal/models"
	"github.com/punchamoorthee/payoutops/internal/reconcile"
)

// Config holds the benchmark settings
var (
	targetURL   string
	secret      string
	concurrency int
	duration    time.Duration
	workload    string
	events      int
)

// Metrics
var (
	totalRequests uint64
	processed     uint64 // 200, first delivery
	duplicates    uint64 // 200, replay skipped
	failed        uint64 // 200 or 500, handler error
	rejected      uint64 // 400
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.StringVar(&secret, "secret", os.Getenv("WEBHOOK_SECRET"), "Webhook signing secret")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&events, "events", 1000, "Distinct event ids to replay")
}

func main() {
	flag.Parse()
	if secret == "" {
		log.Fatal("a signing secret is required (-secret or WEBHOOK_SECRET)")
	}
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Events: %d", workload, concurrency, duration, events)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		body := eventBody(pickEvent())

		req, _ := http.NewRequest("POST", targetURL+"/webhooks/rail", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: body, Secret: secret})
		req.Header.Set(reconcile.SignatureHeader, signed.Header)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		var out models.WebhookResponse
		_ = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusBadRequest:
			atomic.AddUint64(&rejected, 1)
		case out.Outcome == string(reconcile.OutcomeProcessed):
			atomic.AddUint64(&processed, 1)
		case out.Outcome == string(reconcile.OutcomeDuplicate):
			atomic.AddUint64(&duplicates, 1)
		case out.Outcome == string(reconcile.OutcomeFailed):
			atomic.AddUint64(&failed, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

// pickEvent chooses which event id to deliver. Hotspot sends 90% of traffic
// to the first two events to maximise concurrent duplicates.
func pickEvent() int {
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return rand.Intn(2) + 1
	}
	return rand.Intn(events) + 1
}

// eventBody renders a transfer.created notification. The same n always
// yields the same event id and transfer, so every replay must be a no-op.
func eventBody(n int) []byte {
	body, _ := json.Marshal(map[string]any{
		"id":      fmt.Sprintf("evt_bench_%06d", n),
		"type":    "transfer.created",
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":          fmt.Sprintf("tr_bench_%06d", n),
				"object":      "transfer",
				"amount":      10000,
				"currency":    "usd",
				"destination": fmt.Sprintf("acct_seed_%04d", n%1000+1),
			},
		},
	})
	return body
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	proc := atomic.LoadUint64(&processed)
	dups := atomic.LoadUint64(&duplicates)
	fail := atomic.LoadUint64(&failed)
	rej := atomic.LoadUint64(&rejected)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	dupRate := 0.0
	if total > 0 {
		dupRate = float64(dups) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": tps,
		"processed":      proc,
		"duplicates":     dups,
		"duplicate_pct":  dupRate,
		"handler_failed": fail,
		"rejected_400":   rej,
		"errors":         fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
