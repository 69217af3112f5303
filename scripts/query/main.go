// query prints the recorded sources of one destination, either through the
// engine's HTTP API or straight from ClickHouse.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"FlowGuard/internal/config"
	"FlowGuard/internal/query"

	log "github.com/sirupsen/logrus"
)

func main() {
	mode := flag.String("mode", "api", "Query mode: 'api' to query via HTTP API, 'direct' to query ClickHouse directly.")
	apiAddr := flag.String("api", "http://localhost:8080", "Base URL of the engine API.")
	configPath := flag.String("config", "configs/config.yaml", "Configuration file holding the ClickHouse writer (direct mode).")
	dst := flag.String("dst", "", "Destination address to query.")
	since := flag.Duration("since", 24*time.Hour, "How far back to look.")
	flag.Parse()

	addr, err := netip.ParseAddr(*dst)
	if err != nil {
		log.Fatalf("Invalid -dst '%s': %v", *dst, err)
	}

	log.Printf("Running in '%s' mode.", *mode)

	switch *mode {
	case "api":
		queryViaAPI(*apiAddr, addr, *since)
	case "direct":
		directQueryClickHouse(*configPath, addr, *since)
	default:
		log.Fatalf("Invalid mode: %s. Use 'api' or 'direct'.", *mode)
	}
}

func queryViaAPI(base string, dst netip.Addr, since time.Duration) {
	apiURL := fmt.Sprintf("%s/history/%s?since=%s", base, dst, url.QueryEscape(since.String()))
	log.Printf("Sending request to %s", apiURL)

	resp, err := http.Get(apiURL)
	if err != nil {
		log.Fatalf("Error sending request: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatalf("Error reading response body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("API returned non-200 status code: %d\nResponse: %s", resp.StatusCode, string(respBody))
	}

	var prettyJSON bytes.Buffer
	if err := json.Indent(&prettyJSON, respBody, "", "  "); err != nil {
		log.Printf("Could not prettify JSON, printing raw response:")
		fmt.Println(string(respBody))
		return
	}
	fmt.Println(prettyJSON.String())
}

func directQueryClickHouse(configPath string, dst netip.Addr, since time.Duration) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	var chCfg *config.ClickHouseConfig
	for i := range cfg.Writers {
		if cfg.Writers[i].Type == "clickhouse" {
			chCfg = &cfg.Writers[i].ClickHouse
			break
		}
	}
	if chCfg == nil {
		log.Fatalf("No clickhouse writer in %s", configPath)
	}

	q, err := query.NewClickHouseQuerier(*chCfg)
	if err != nil {
		log.Fatalf("Error connecting to ClickHouse: %v", err)
	}
	defer q.Close()

	history, err := q.DestinationHistory(context.Background(), dst, time.Now().Add(-since))
	if err != nil {
		log.Fatalf("Error executing query: %v", err)
	}
	if len(history) == 0 {
		log.Println("No data found for the specified criteria.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tFLOWS\tPACKETS\tBYTES\tFIRST SEEN\tLAST SEEN")
	for _, h := range history {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%s\n", h.SrcIP, h.Flows, h.Packets, h.Bytes,
			h.FirstSeen.Format(time.RFC3339), h.LastSeen.Format(time.RFC3339))
	}
	w.Flush()
}
