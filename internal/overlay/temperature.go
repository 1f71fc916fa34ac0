package overlay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/joeblew999/plat-agri/internal/agriapi"
)

// TemperatureWindow is how far back the latest reading is looked for.
const TemperatureWindow = 30 * 24 * time.Hour

// WeatherSource returns weather readings for a village, oldest first.
type WeatherSource interface {
	Weather(ctx context.Context, villageCode string, start, end time.Time) ([]agriapi.WeatherReading, error)
}

// TemperatureFetcher looks up the latest temperature of each station.
type TemperatureFetcher struct {
	Source WeatherSource
	Window time.Duration
	Log    zerolog.Logger
	// OnResult is called once per queried station from its fetch
	// goroutine. err is nil on success, even without a reading.
	OnResult func(stationID string, err error)
}

// Fetch queries every station concurrently and waits for all of them.
// Failures are logged and leave the station out of the result. The
// result is keyed by station id and assembled in station order.
func (f TemperatureFetcher) Fetch(ctx context.Context, stations []agriapi.StationMetadata, now time.Time) map[string]float64 {
	window := f.Window
	if window <= 0 {
		window = TemperatureWindow
	}
	start := now.Add(-window)

	type result struct {
		temp float64
		ok   bool
	}
	results := make([]result, len(stations))

	var eg errgroup.Group
	for i, s := range stations {
		code := s.VillageCode.String()
		if code == "" {
			continue
		}
		eg.Go(func() error {
			readings, err := f.Source.Weather(ctx, code, start, now)
			if f.OnResult != nil {
				f.OnResult(s.ID.String(), err)
			}
			if err != nil {
				f.Log.Debug().Err(err).Str("station", s.ID.String()).Str("village", code).Msg("temperature fetch failed")
				return nil
			}
			results[i].temp, results[i].ok = agriapi.LatestTemperature(readings)
			return nil
		})
	}
	eg.Wait()

	temps := make(map[string]float64, len(stations))
	for i, s := range stations {
		if results[i].ok {
			temps[s.ID.String()] = results[i].temp
		}
	}
	return temps
}

// FetchTemperatures is TemperatureFetcher.Fetch with the default window.
func FetchTemperatures(ctx context.Context, src WeatherSource, stations []agriapi.StationMetadata, now time.Time) map[string]float64 {
	return TemperatureFetcher{Source: src, Log: zerolog.Nop()}.Fetch(ctx, stations, now)
}
