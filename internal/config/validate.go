package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"smartsend/internal/timing"
	"smartsend/pkg/logx"
)

const DefaultTiming = "5s-15s"

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var result *multierror.Error
	add := func(err error) {
		if err != nil {
			result = multierror.Append(result, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	if f := strings.TrimSpace(cfg.Logging.Format); f != "" {
		if _, ok := logx.ParseFormat(f); !ok {
			add(fmt.Errorf("logging.format: unknown format %q", f))
		}
	}

	d := cfg.Dispatch
	_, err := cfg.DefaultPolicy()
	add(err)
	_, err = Duration("dispatch.send_timeout", d.SendTimeout)
	add(err)
	_, err = Duration("dispatch.history_ttl", d.HistoryTTL)
	add(err)
	if d.HistorySize < 0 {
		add(errors.New("dispatch.history_size: must be >= 0"))
	}
	if d.RatePerMinute < 0 || d.Burst < 0 {
		add(errors.New("dispatch.rate_per_minute/burst: must be >= 0"))
	}
	if tz := strings.TrimSpace(d.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("dispatch.timezone: %w", err))
		}
	}

	add(validateTransport(cfg.Transport))

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "off":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(s.Path) == "" {
				add(errors.New("storage.path: required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err = Duration("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if o := cfg.Ops; o.Enabled {
		addr := strings.TrimSpace(o.Addr)
		if addr == "" {
			addr = DefaultOpsAddr
		}
		if !IsLoopbackAddr(addr) && strings.TrimSpace(o.Token) == "" && !o.AllowInsecure {
			add(fmt.Errorf("ops.addr: %q is not loopback; set ops.token or ops.allow_insecure", addr))
		}
		for _, f := range []struct{ path, raw string }{
			{"ops.read_timeout", o.ReadTimeout},
			{"ops.write_timeout", o.WriteTimeout},
			{"ops.idle_timeout", o.IdleTimeout},
		} {
			_, err := Duration(f.path, f.raw)
			add(err)
		}
	}

	if r := cfg.Retry; r != nil {
		if r.MaxAttempts < 0 {
			add(errors.New("retry.max_attempts: must be >= 0"))
		}
		add(durationSpan("retry.base", r.Base, "retry.max_delay", r.MaxDelay))
	}

	return result.ErrorOrNil()
}

func validateTransport(t TransportConfig) error {
	switch strings.ToLower(strings.TrimSpace(t.Driver)) {
	case "", "log":
		return nil
	case "http":
		if t.HTTP == nil || strings.TrimSpace(t.HTTP.URL) == "" {
			return errors.New("transport.http.url: required for http driver")
		}
		_, err := Duration("transport.http.timeout", t.HTTP.Timeout)
		return err
	case "telegram":
		if t.Telegram == nil || strings.TrimSpace(t.Telegram.Token) == "" {
			return errors.New("transport.telegram.token: required for telegram driver")
		}
		_, err := Duration("transport.telegram.timeout", t.Telegram.Timeout)
		return err
	case "plivo":
		if t.Plivo == nil || strings.TrimSpace(t.Plivo.Source) == "" {
			return errors.New("transport.plivo.source: required for plivo driver")
		}
		_, err := Duration("transport.plivo.timeout", t.Plivo.Timeout)
		return err
	default:
		return fmt.Errorf("transport.driver: unknown driver %q", t.Driver)
	}
}

// DefaultPolicy is the timing policy for campaigns that do not set one.
func (c *Config) DefaultPolicy() (timing.Policy, error) {
	raw := strings.TrimSpace(c.Dispatch.Timing)
	if raw == "" {
		raw = DefaultTiming
	}
	p, err := timing.Parse(raw)
	if err != nil {
		return timing.Policy{}, fmt.Errorf("dispatch.timing: %w", err)
	}
	return p, nil
}

const DefaultOpsAddr = "127.0.0.1:9090"

// IsLoopbackAddr reports whether a listen address only accepts local
// connections. An empty host ("":9090) listens on every interface.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
