// Command advisor runs the autonomous economy steward for Starforge.
// It observes engine state over the read API, decides on at most one
// intervention per cycle with a rule table, and acts via the admin
// intervention endpoint.
package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/talgya/starforge/internal/advisor"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	apiURL := envOrDefault("STARFORGE_API_URL", "http://localhost:8080")
	adminKey := os.Getenv("STARFORGE_ADMIN_KEY")
	intervalSec := envIntOrDefault("ADVISOR_INTERVAL", 60)

	if adminKey == "" {
		slog.Error("STARFORGE_ADMIN_KEY is required")
		os.Exit(1)
	}

	interval := time.Duration(intervalSec) * time.Second

	slog.Info("Starforge advisor starting",
		"api_url", apiURL,
		"interval", interval,
	)

	observer := advisor.NewObserver(apiURL)
	actor := advisor.NewActor(apiURL, adminKey)

	// Wait for the engine API to be ready before the first cycle.
	// Process supervision only guarantees process start, not HTTP
	// readiness.
	slog.Info("waiting for engine API...")
	waitForAPI(apiURL)

	runCycle(observer, actor)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker.C:
			runCycle(observer, actor)
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			fmt.Println("Advisor stopped.")
			return
		}
	}
}

// runCycle executes one observe → decide → act cycle.
func runCycle(observer *advisor.Observer, actor *advisor.Actor) {
	snap, err := observer.Observe()
	if err != nil {
		slog.Error("observation failed", "error", err)
		return
	}

	decision := advisor.Decide(snap)
	slog.Info("cycle decision",
		"tick", snap.Status.Tick,
		"action", decision.Action,
		"rationale", decision.Rationale,
	)

	if decision.Intervention == nil {
		return
	}

	result, err := actor.Act(decision.Intervention)
	if err != nil {
		slog.Error("intervention failed", "error", err)
		return
	}
	slog.Info("intervention applied", "details", result.Details)
}

// waitForAPI polls /status until the engine answers.
func waitForAPI(baseURL string) {
	client := &http.Client{Timeout: 5 * time.Second}
	for {
		resp, err := client.Get(baseURL + "/api/v1/status")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(3 * time.Second)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
