package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gryagbot/gryag-backend/internal/llm"
	"github.com/gryagbot/gryag-backend/internal/logger"
)

const (
	geocodingBaseURL = "https://geocoding-api.open-meteo.com/v1/search"
	forecastBaseURL  = "https://api.open-meteo.com/v1/forecast"
)

// WeatherTool fetches current conditions from Open-Meteo. The service
// needs no API key, which keeps the tool usable out of the box.
type WeatherTool struct {
	httpClient *http.Client
	log        *logger.Logger

	geocodingURL string
	forecastURL  string
}

func NewWeatherTool(baseLog *logger.Logger) *WeatherTool {
	return &WeatherTool{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		log:          baseLog.With("tool", "get_weather"),
		geocodingURL: geocodingBaseURL,
		forecastURL:  forecastBaseURL,
	}
}

func (t *WeatherTool) Name() string { return "get_weather" }

func (t *WeatherTool) Schema() llm.ToolSchema {
	s := objectSchema(
		"Get the current weather for a city.",
		map[string]any{
			"city": map[string]any{
				"type":        "string",
				"description": "City name, e.g. \"Київ\" or \"Berlin\".",
			},
		},
		"city",
	)
	s.Function.Name = t.Name()
	return s
}

func (t *WeatherTool) Execute(ctx context.Context, _ Caller, args json.RawMessage) (string, error) {
	var in struct {
		City string `json:"city"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("parse arguments: %w", err)
	}
	city := strings.TrimSpace(in.City)
	if city == "" {
		return "", fmt.Errorf("city is empty")
	}

	lat, lon, resolvedName, err := t.geocode(ctx, city)
	if err != nil {
		return "", err
	}

	current, err := t.fetchCurrent(ctx, lat, lon)
	if err != nil {
		return "", err
	}

	return marshalResult(map[string]any{
		"city":          resolvedName,
		"temperature_c": current.Temperature,
		"feels_like_c":  current.ApparentTemperature,
		"humidity_pct":  current.Humidity,
		"wind_kmh":      current.WindSpeed,
		"conditions":    weatherCodeDescription(current.WeatherCode),
	})
}

func (t *WeatherTool) geocode(ctx context.Context, city string) (lat, lon float64, name string, err error) {
	q := url.Values{}
	q.Set("name", city)
	q.Set("count", "1")
	q.Set("language", "uk")

	var payload struct {
		Results []struct {
			Name      string  `json:"name"`
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
			Country   string  `json:"country"`
		} `json:"results"`
	}
	if err := t.getJSON(ctx, t.geocodingURL+"?"+q.Encode(), &payload); err != nil {
		return 0, 0, "", fmt.Errorf("geocode %q: %w", city, err)
	}
	if len(payload.Results) == 0 {
		return 0, 0, "", fmt.Errorf("city %q not found", city)
	}

	r := payload.Results[0]
	name = r.Name
	if r.Country != "" {
		name = r.Name + ", " + r.Country
	}
	return r.Latitude, r.Longitude, name, nil
}

type currentWeather struct {
	Temperature         float64 `json:"temperature_2m"`
	ApparentTemperature float64 `json:"apparent_temperature"`
	Humidity            float64 `json:"relative_humidity_2m"`
	WindSpeed           float64 `json:"wind_speed_10m"`
	WeatherCode         int     `json:"weather_code"`
}

func (t *WeatherTool) fetchCurrent(ctx context.Context, lat, lon float64) (*currentWeather, error) {
	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", lat))
	q.Set("longitude", fmt.Sprintf("%.4f", lon))
	q.Set("current", "temperature_2m,apparent_temperature,relative_humidity_2m,wind_speed_10m,weather_code")

	var payload struct {
		Current currentWeather `json:"current"`
	}
	if err := t.getJSON(ctx, t.forecastURL+"?"+q.Encode(), &payload); err != nil {
		return nil, fmt.Errorf("fetch forecast: %w", err)
	}
	return &payload.Current, nil
}

func (t *WeatherTool) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	return json.Unmarshal(body, out)
}

// WMO interpretation codes used by Open-Meteo.
func weatherCodeDescription(code int) string {
	switch {
	case code == 0:
		return "ясно"
	case code <= 3:
		return "хмарно з проясненнями"
	case code == 45 || code == 48:
		return "туман"
	case code >= 51 && code <= 57:
		return "мряка"
	case code >= 61 && code <= 67:
		return "дощ"
	case code >= 71 && code <= 77:
		return "сніг"
	case code >= 80 && code <= 82:
		return "злива"
	case code == 85 || code == 86:
		return "снігопад"
	case code >= 95:
		return "гроза"
	default:
		return "невідомо"
	}
}
