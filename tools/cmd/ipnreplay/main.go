// tools/cmd/ipnreplay/main.go
//
// ipnreplay posts the same payment notification to a webhook N times
// concurrently, the way the gateway redelivers, and prints the status counts.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

type notification struct {
	OrderTrackingID               string `json:"OrderTrackingId"`
	OrderMerchantReference        string `json:"OrderMerchantReference"`
	OrderNotificationType         string `json:"OrderNotificationType"`
	OrderPaymentStatus            string `json:"OrderPaymentStatus"`
	OrderPaymentStatusDescription string `json:"OrderPaymentStatusDescription,omitempty"`
	OrderAmount                   string `json:"OrderAmount,omitempty"`
}

func main() {
	url := flag.String("url", "http://localhost:8080/notifications", "webhook URL")
	ref := flag.String("ref", "", "merchant reference (required)")
	tracking := flag.String("tracking", "", "order tracking id (required)")
	status := flag.String("status", "COMPLETED", "payment status")
	amount := flag.String("amount", "", "order amount")
	origin := flag.String("origin", "https://pay.pesapal.com", "Origin header, empty to omit")
	n := flag.Int("n", 10, "number of deliveries")
	conc := flag.Int("c", 5, "concurrent senders")
	timeout := flag.Duration("timeout", 10*time.Second, "per-request timeout")
	flag.Parse()

	if *ref == "" || *tracking == "" {
		flag.Usage()
		os.Exit(2)
	}

	body, err := json.Marshal(notification{
		OrderTrackingID:               *tracking,
		OrderMerchantReference:        *ref,
		OrderNotificationType:         "IPNCHANGE",
		OrderPaymentStatus:            *status,
		OrderPaymentStatusDescription: *status,
		OrderAmount:                   *amount,
	})
	if err != nil {
		log.Fatal(err)
	}

	counts := replay(context.Background(), &http.Client{Timeout: *timeout}, *url, *origin, body, *n, *conc)

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s\t%d\n", k, counts[k])
	}
	log.Printf("sent %d deliveries for %s to %s", *n, *ref, *url)
}

// replay sends body n times with at most conc requests in flight and counts
// the responses by status, or by "error" when no response arrived.
func replay(ctx context.Context, hc *http.Client, url, origin string, body []byte, n, conc int) map[string]int {
	if conc < 1 {
		conc = 1
	}
	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
		sem    = make(chan struct{}, conc)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			key := "error"
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
			if err == nil {
				req.Header.Set("Content-Type", "application/json")
				if origin != "" {
					req.Header.Set("Origin", origin)
				}
				var resp *http.Response
				if resp, err = hc.Do(req); err == nil {
					resp.Body.Close()
					key = resp.Status
				}
			}
			if err != nil {
				log.Printf("delivery failed: %v", err)
			}
			mu.Lock()
			counts[key]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return counts
}
