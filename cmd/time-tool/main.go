// time-tool answers get-time calls by geocoding the location through
// Nominatim and asking timeapi.io for the local time at those coordinates.
// When either service fails it reports UTC time with the error in the
// timezone field instead of failing the call.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"toolbridge/internal/toolside"
)

const (
	nominatimEndpoint = "https://nominatim.openstreetmap.org/search"
	timeAPIEndpoint   = "https://timeapi.io/api/Time/current/coordinate"
	userAgent         = "toolbridge-time-tool/1.0"
)

type clock struct {
	client *retryablehttp.Client
	logger *zap.Logger
}

func (c *clock) getTime(ctx context.Context, input map[string]any) (map[string]any, error) {
	location, ok := input["location"].(string)
	if !ok || location == "" {
		return nil, fmt.Errorf("input field %q is required", "location")
	}

	lat, lon, err := c.geocode(ctx, location)
	if err != nil {
		return utcFallback(location, err), nil
	}

	localTime, timezone, err := c.timeAt(ctx, lat, lon)
	if err != nil {
		return utcFallback(location, err), nil
	}

	return map[string]any{
		"location": location,
		"timezone": timezone,
		"time":     localTime.Format("15:04:05"),
		"date":     localTime.Format("2006-01-02"),
	}, nil
}

func (c *clock) geocode(ctx context.Context, location string) (string, string, error) {
	endpoint := nominatimEndpoint + "?" + url.Values{
		"q":      {location},
		"format": {"json"},
		"limit":  {"1"},
	}.Encode()
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return "", "", fmt.Errorf("nominatim returned status %d", resp.StatusCode)
	}

	var places []struct {
		Lat string `json:"lat"`
		Lon string `json:"lon"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return "", "", fmt.Errorf("decode nominatim response: %w", err)
	}
	if len(places) == 0 {
		return "", "", fmt.Errorf("location %q not found", location)
	}
	return places[0].Lat, places[0].Lon, nil
}

func (c *clock) timeAt(ctx context.Context, lat, lon string) (time.Time, string, error) {
	endpoint := timeAPIEndpoint + "?" + url.Values{
		"latitude":  {lat},
		"longitude": {lon},
	}.Encode()
	req, err := retryablehttp.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return time.Time{}, "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return time.Time{}, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return time.Time{}, "", fmt.Errorf("timeapi.io returned status %d", resp.StatusCode)
	}

	var data struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return time.Time{}, "", fmt.Errorf("decode timeapi.io response: %w", err)
	}
	if data.DateTime == "" || data.TimeZone == "" {
		return time.Time{}, "", fmt.Errorf("timeapi.io response missing time data")
	}

	parsed, err := parseLocalDateTime(data.DateTime)
	if err != nil {
		return time.Time{}, "", err
	}
	return parsed, data.TimeZone, nil
}

// parseLocalDateTime handles timeapi.io's timestamp, which comes with
// fractional seconds and usually without a zone suffix.
func parseLocalDateTime(value string) (time.Time, error) {
	trimmed := strings.TrimSuffix(value, "Z")
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	} {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

func utcFallback(location string, cause error) map[string]any {
	now := time.Now().UTC()
	return map[string]any{
		"location": location,
		"timezone": fmt.Sprintf("Error: %v", cause),
		"time":     now.Format("15:04:05") + " (UTC)",
		"date":     now.Format("2006-01-02"),
	}
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	c := &clock{client: client, logger: logger}

	runner := toolside.NewRunner(os.Stdin, os.Stdout, logger, toolside.Tool{
		Name:        "get-time",
		Description: "Returns the current time for any location in the world",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string"},
			},
			"required": []any{"location"},
		},
		OutputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string"},
				"timezone": map[string]any{"type": "string"},
				"time":     map[string]any{"type": "string"},
				"date":     map[string]any{"type": "string"},
			},
		},
		Handle: c.getTime,
	})

	if err := runner.Run(context.Background()); err != nil {
		logger.Fatal("tool loop failed", zap.Error(err))
	}
}
