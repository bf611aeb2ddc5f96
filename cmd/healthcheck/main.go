// Command healthcheck probes the service's HTTP endpoint for container health
// checks. It exits 0 on a 200 response and 1 otherwise.
//
// The port comes from HTTP_ADDR (default :8080); --path selects the probe
// (default /healthz, use /readyz for readiness).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"
)

func main() {
	path := flag.String("path", "/healthz", "endpoint to probe")
	flag.Parse()

	if err := probe(context.Background(), probeURL(os.Getenv("HTTP_ADDR"), *path)); err != nil {
		log.Print(err)
		os.Exit(1)
	}
}

// probeURL turns a listen address such as ":8080" or "0.0.0.0:9000" into a
// loopback URL.
func probeURL(addr, path string) string {
	if addr == "" {
		addr = ":8080"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://localhost:8080" + path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}

func probe(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}
