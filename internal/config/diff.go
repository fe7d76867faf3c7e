package config

import (
	"reflect"
	"sort"
	"strings"

	"smartsend/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"transport": true,
	"storage":   true,
	"ops":       true,
	"retry":     true,
}

// SummarizeChange returns the changed sections, safe attrs for logging
// (never secrets) and the subset of changed sections that need a restart.
func SummarizeChange(oldCfg, newCfg *Config) (changed []string, attrs []logx.Field, restart []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		d := newCfg.Dispatch
		attrs = append(attrs,
			logx.String("dispatch.timing", strings.TrimSpace(d.Timing)),
			logx.String("dispatch.send_timeout", strings.TrimSpace(d.SendTimeout)),
			logx.Int("dispatch.max_retries", d.MaxRetries),
			logx.Float64("dispatch.rate_per_minute", d.RatePerMinute),
		)
	}

	if !reflect.DeepEqual(oldCfg.Transport, newCfg.Transport) {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.driver", strings.TrimSpace(newCfg.Transport.Driver)),
			logx.Bool("transport.metrics", newCfg.Transport.Metrics),
			logx.Bool("transport.tracing", newCfg.Transport.Tracing),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	var oR, nR RetryConfig
	if oldCfg.Retry != nil {
		oR = *oldCfg.Retry
	}
	if newCfg.Retry != nil {
		nR = *newCfg.Retry
	}
	if oR != nR {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Bool("retry.enabled", nR.Enabled),
			logx.Int("retry.max_attempts", nR.MaxAttempts),
		)
	}

	sort.Strings(changed)
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}
