package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/fitbuddy/internal/protocol"
)

type options struct {
	baseURL      string
	userPrefix   string
	users        int
	kind         string
	steps        int
	eventDelay   time.Duration
	eventTimeout time.Duration
	verbose      bool
}

type wsEnvelope struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

type result struct {
	events      int
	rateLimited int
	failures    int
	latencies   []time.Duration
}

type summary struct {
	Events      int     `json:"events"`
	RateLimited int     `json:"rate_limited"`
	Failures    int     `json:"failures"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
}

func main() {
	cfg, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "fitperf: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "fitperf: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(fs *flag.FlagSet, args []string) (options, error) {
	var cfg options
	var delayMS, timeoutMS int

	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "fitbuddy base URL")
	fs.StringVar(&cfg.userPrefix, "user-prefix", "perf-user", "prefix for synthetic user ids")
	fs.IntVar(&cfg.users, "users", 10, "number of concurrent synthetic users")
	fs.StringVar(&cfg.kind, "kind", "strength", "activity kind each user runs")
	fs.IntVar(&cfg.steps, "steps", 3, "next_step events per workout")
	fs.IntVar(&delayMS, "event-delay-ms", 650, "delay between events of one user in milliseconds")
	fs.IntVar(&timeoutMS, "event-timeout-ms", 5000, "timeout waiting for a reply in milliseconds")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print per-user progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.users <= 0 {
		return options{}, fmt.Errorf("users must be > 0")
	}
	if strings.TrimSpace(cfg.kind) == "" {
		return options{}, fmt.Errorf("kind is required")
	}
	if cfg.steps < 0 {
		cfg.steps = 0
	}
	if delayMS < 0 {
		delayMS = 0
	}
	if timeoutMS < 100 {
		timeoutMS = 100
	}
	cfg.eventDelay = time.Duration(delayMS) * time.Millisecond
	cfg.eventTimeout = time.Duration(timeoutMS) * time.Millisecond
	return cfg, nil
}

func run(ctx context.Context, cfg options, out io.Writer) error {
	var (
		mu    sync.Mutex
		total result
		wg    sync.WaitGroup
	)
	errs := make(chan error, cfg.users)
	for i := 0; i < cfg.users; i++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			r, err := runUser(ctx, cfg, userID)
			if err != nil {
				errs <- fmt.Errorf("%s: %w", userID, err)
			}
			mu.Lock()
			total.events += r.events
			total.rateLimited += r.rateLimited
			total.failures += r.failures
			total.latencies = append(total.latencies, r.latencies...)
			if cfg.verbose {
				fmt.Fprintf(out, "fitperf: %s events=%d rate_limited=%d failures=%d\n", userID, r.events, r.rateLimited, r.failures)
			}
			mu.Unlock()
		}(fmt.Sprintf("%s-%d", cfg.userPrefix, i+1))
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if firstErr == nil {
			firstErr = err
		}
		fmt.Fprintf(os.Stderr, "fitperf: %v\n", err)
	}

	s := summarize(total)
	fmt.Fprintf(out, "fitperf: events=%d rate_limited=%d failures=%d p50=%.1fms p95=%.1fms max=%.1fms\n",
		s.Events, s.RateLimited, s.Failures, s.P50MS, s.P95MS, s.MaxMS)

	if server, err := fetchServerLatency(ctx, cfg.baseURL); err == nil {
		fmt.Fprintf(out, "fitperf: server stages %s\n", server)
	} else if cfg.verbose {
		fmt.Fprintf(os.Stderr, "fitperf: server latency unavailable: %v\n", err)
	}
	return firstErr
}

func runUser(ctx context.Context, cfg options, userID string) (result, error) {
	var r result
	wsURL, err := wsURLForUser(cfg.baseURL, userID)
	if err != nil {
		return r, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return r, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := []protocol.UserEvent{{Action: protocol.ActionStartActivity, Arg: cfg.kind}}
	for i := 0; i < cfg.steps; i++ {
		events = append(events, protocol.UserEvent{Action: protocol.ActionNextStep})
	}
	events = append(events, protocol.UserEvent{Action: protocol.ActionEndActivity})

	for i, ev := range events {
		if i > 0 && cfg.eventDelay > 0 {
			select {
			case <-ctx.Done():
				return r, ctx.Err()
			case <-time.After(cfg.eventDelay):
			}
		}
		ev.Type = protocol.TypeUserEvent
		ev.UserID = userID
		started := time.Now()
		if err := conn.WriteJSON(ev); err != nil {
			return r, fmt.Errorf("write %s: %w", ev.Action, err)
		}
		r.events++
		env, err := awaitReply(conn, cfg.eventTimeout)
		if err != nil {
			r.failures++
			return r, fmt.Errorf("await %s reply: %w", ev.Action, err)
		}
		r.latencies = append(r.latencies, time.Since(started))
		switch env.Type {
		case string(protocol.TypeRateLimited):
			r.rateLimited++
		case string(protocol.TypeErrorEvent), string(protocol.TypeSystemEvent):
			r.failures++
			if cfg.verbose {
				fmt.Fprintf(os.Stderr, "fitperf: %s %s code=%s detail=%s\n", userID, env.Type, env.Code, env.Detail)
			}
		}
	}
	return r, nil
}

// awaitReply returns the first reply that is not an unsolicited
// notification.
func awaitReply(conn *websocket.Conn, timeout time.Duration) (wsEnvelope, error) {
	deadline := time.Now().Add(timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wsEnvelope{}, err
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case string(protocol.TypeReminderDue), string(protocol.TypeSessionExpired):
			continue
		}
		return env, nil
	}
}

func wsURLForUser(baseURL, userID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/users/" + userID + "/ws"
	return u.String(), nil
}

func summarize(r result) summary {
	s := summary{Events: r.events, RateLimited: r.rateLimited, Failures: r.failures}
	if len(r.latencies) == 0 {
		return s
	}
	sorted := append([]time.Duration(nil), r.latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	s.P50MS = ms(quantile(sorted, 0.50))
	s.P95MS = ms(quantile(sorted, 0.95))
	s.MaxMS = ms(sorted[len(sorted)-1])
	return s
}

func quantile(sorted []time.Duration, q float64) time.Duration {
	idx := int(q*float64(len(sorted)-1) + 0.5)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func fetchServerLatency(ctx context.Context, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return "", err
	}
	res, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", res.StatusCode)
	}
	var payload struct {
		Stages []struct {
			Stage string  `json:"stage"`
			P50MS float64 `json:"p50_ms"`
			P95MS float64 `json:"p95_ms"`
		} `json:"stages"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", err
	}
	parts := make([]string, 0, len(payload.Stages))
	for _, st := range payload.Stages {
		parts = append(parts, fmt.Sprintf("%s(p50=%.1fms p95=%.1fms)", st.Stage, st.P50MS, st.P95MS))
	}
	return strings.Join(parts, " "), nil
}
