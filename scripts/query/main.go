package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"TapLedger/internal/config"
	"TapLedger/internal/model"
	"TapLedger/internal/query"
	"TapLedger/internal/storage"

	"github.com/google/uuid"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query the ops API, 'direct' to query ClickHouse directly.")
	apiURL := flag.String("api", "http://localhost:9090", "Base URL of the ops server.")
	configPath := flag.String("config", "configs/config.yaml", "Configuration file for direct mode.")
	tap := flag.String("tap", "", "Tap id to query.")
	protocol := flag.String("protocol", "", "Flow protocol to filter on (optional).")
	since := flag.Duration("since", time.Hour, "How far back to query.")
	flag.Parse()

	tapID, err := uuid.Parse(*tap)
	if err != nil {
		log.Fatalf("Invalid tap id %q: %v", *tap, err)
	}
	q := storage.StatisticsQuery{TapID: tapID, Protocol: model.Protocol(*protocol), To: time.Now().UTC()}
	q.From = q.To.Add(-*since)

	var buckets []model.StatisticsBucket
	switch *mode {
	case "api":
		buckets, err = queryViaAPI(*apiURL, q)
	case "direct":
		buckets, err = queryClickHouse(*configPath, q)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	printBuckets(buckets)
}

func queryViaAPI(base string, q storage.StatisticsQuery) ([]model.StatisticsBucket, error) {
	params := url.Values{}
	params.Set("from", q.From.Format(time.RFC3339))
	params.Set("to", q.To.Format(time.RFC3339))
	if q.Protocol != "" {
		params.Set("protocol", string(q.Protocol))
	}
	endpoint := fmt.Sprintf("%s/api/v1/taps/%s/statistics?%s", base, q.TapID, params.Encode())

	resp, err := http.Get(endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ops API returned %d: %s", resp.StatusCode, body)
	}
	var buckets []model.StatisticsBucket
	if err := json.NewDecoder(resp.Body).Decode(&buckets); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return buckets, nil
}

func queryClickHouse(configPath string, q storage.StatisticsQuery) ([]model.StatisticsBucket, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	querier, err := query.NewClickHouseQuerier(ctx, cfg.ClickHouse)
	if err != nil {
		return nil, err
	}
	defer querier.Close()
	return querier.QueryStatistics(ctx, q)
}

func printBuckets(buckets []model.StatisticsBucket) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUCKET\tPROTOCOL\tBYTES\tINTERNAL\tPACKETS\tSESSIONS\tNEW\tINTERNAL_SESSIONS")
	for _, b := range buckets {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n", b.Bucket.Format(time.RFC3339), b.Protocol,
			b.BytesCount, b.BytesInternal, b.PacketsCount, b.Sessions, b.NewSessions, b.InternalSessions)
	}
	w.Flush()
}
