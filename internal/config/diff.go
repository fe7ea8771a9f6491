package config

import (
	"reflect"
	"strings"

	logx "autopost/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (API credentials, admin token)
// are reported presence-only, never by value.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.configured", newCfg.API.Configured()),
		)
	}

	if oldCfg.Share.Template != newCfg.Share.Template ||
		!reflect.DeepEqual(oldCfg.Share.Categories, newCfg.Share.Categories) ||
		oldCfg.Share.AutoShare != newCfg.Share.AutoShare ||
		strings.TrimSpace(oldCfg.Share.Interval) != strings.TrimSpace(newCfg.Share.Interval) ||
		oldCfg.Share.RetryMax != newCfg.Share.RetryMax ||
		oldCfg.Share.BatchLimit != newCfg.Share.BatchLimit {
		changed = append(changed, "share")
		attrs = append(attrs,
			logx.Bool("share.auto", newCfg.Share.AutoShare),
			logx.String("share.interval", strings.TrimSpace(newCfg.Share.Interval)),
			logx.Int("share.categories", len(newCfg.Share.Categories)),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.path", newCfg.Storage.Path))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Admin != newCfg.Admin {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
		)
	}

	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", newCfg.Pprof.Addr),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
		)
	}

	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}

	return changed, attrs
}
