package app

import (
	"math"
	"time"

	"golang.org/x/time/rate"

	"smartsend/internal/config"
	"smartsend/internal/dispatch"
)

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	d := cfg.Dispatch
	sendTimeout, err := config.Duration("dispatch.send_timeout", d.SendTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	ttl, err := config.Duration("dispatch.history_ttl", d.HistoryTTL)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		SendTimeout: sendTimeout,
		MaxRetries:  d.MaxRetries,
		HistoryMax:  d.HistorySize,
		HistoryTTL:  ttl,
	}, nil
}

// mapLimiter returns the process-wide send limiter, or nil when unlimited.
func mapLimiter(cfg *config.Config) *rate.Limiter {
	perMin := cfg.Dispatch.RatePerMinute
	if perMin <= 0 {
		return nil
	}
	burst := cfg.Dispatch.Burst
	if burst <= 0 {
		burst = max(1, int(math.Ceil(perMin/60)))
	}
	return rate.NewLimiter(rate.Limit(perMin/60), burst)
}

func mapRetryConfig(cfg *config.Config) (dispatch.AutoRetryConfig, bool, error) {
	r := cfg.Retry
	if r == nil || !r.Enabled {
		return dispatch.AutoRetryConfig{}, false, nil
	}
	base, err := config.Duration("retry.base", r.Base)
	if err != nil {
		return dispatch.AutoRetryConfig{}, false, err
	}
	maxDelay, err := config.Duration("retry.max_delay", r.MaxDelay)
	if err != nil {
		return dispatch.AutoRetryConfig{}, false, err
	}
	return dispatch.AutoRetryConfig{MaxAttempts: r.MaxAttempts, Base: base, MaxDelay: maxDelay}, true, nil
}

func mapLocation(cfg *config.Config) *time.Location {
	if tz := cfg.Dispatch.Timezone; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}
