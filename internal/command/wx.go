package command

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jtstockton/meshcore-bot/internal/config"
	"github.com/jtstockton/meshcore-bot/internal/domain"
)

const openMeteoBase = "https://api.open-meteo.com/v1/forecast"

// Wx fetches current conditions for the bot's configured position in US
// units. WxInternational is the same plugin in metric; overrides swap one
// for the other so they never share the keyword.
type Wx struct {
	*Base
	deps   Deps
	metric bool
}

func NewWx(deps Deps, section config.CommandSection) Command {
	return newWx(deps, section, "wx", false)
}

func NewWxInternational(deps Deps, section config.CommandSection) Command {
	return newWx(deps, section, "wx_international", true)
}

func newWx(deps Deps, section config.CommandSection, name string, metric bool) Command {
	base := NewBase(name, []string{"wx", "weather"}, "wx - current weather at the bot's location", section)
	base.meta.RequiresInternet = true
	return &Wx{Base: base, deps: deps, metric: metric}
}

type openMeteoCurrent struct {
	Current struct {
		Temperature float64 `json:"temperature_2m"`
		Humidity    float64 `json:"relative_humidity_2m"`
		WindSpeed   float64 `json:"wind_speed_10m"`
		WeatherCode int     `json:"weather_code"`
	} `json:"current"`
	CurrentUnits struct {
		Temperature string `json:"temperature_2m"`
		WindSpeed   string `json:"wind_speed_10m"`
	} `json:"current_units"`
}

func (w *Wx) Execute(ctx context.Context, _ *domain.MeshMessage) (string, error) {
	return w.fetch(ctx, openMeteoBase)
}

func (w *Wx) fetch(ctx context.Context, baseURL string) (string, error) {
	lat, lon := w.deps.Cfg.Bot.Latitude, w.deps.Cfg.Bot.Longitude
	if lat == 0 && lon == 0 {
		return "Weather needs latitude/longitude in the bot config", nil
	}

	q := url.Values{}
	q.Set("latitude", fmt.Sprintf("%.4f", lat))
	q.Set("longitude", fmt.Sprintf("%.4f", lon))
	q.Set("current", "temperature_2m,relative_humidity_2m,wind_speed_10m,weather_code")
	if !w.metric {
		q.Set("temperature_unit", "fahrenheit")
		q.Set("wind_speed_unit", "mph")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("build weather request: %w", err)
	}
	resp, err := w.deps.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch weather: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("weather service returned %s", resp.Status)
	}

	var data openMeteoCurrent
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("decode weather response: %w", err)
	}

	return fmt.Sprintf("%s, %.1f%s, %.0f%% humidity, wind %.1f %s",
		weatherCodeLabel(data.Current.WeatherCode),
		data.Current.Temperature, data.CurrentUnits.Temperature,
		data.Current.Humidity,
		data.Current.WindSpeed, data.CurrentUnits.WindSpeed), nil
}

// weatherCodeLabel maps WMO weather codes onto short labels.
func weatherCodeLabel(code int) string {
	switch {
	case code == 0:
		return "Clear"
	case code <= 3:
		return "Partly cloudy"
	case code == 45 || code == 48:
		return "Fog"
	case code >= 51 && code <= 57:
		return "Drizzle"
	case code >= 61 && code <= 67:
		return "Rain"
	case code >= 71 && code <= 77:
		return "Snow"
	case code >= 80 && code <= 82:
		return "Showers"
	case code >= 95:
		return "Thunderstorm"
	default:
		return "Unknown conditions"
	}
}
