package config

import (
	"reflect"
	"sort"
	"strings"

	logx "txkernel/pkg/logx"
)

// Sections that only take effect after a restart.
var restartSections = map[string]bool{
	"kernel":      true,
	"transaction": true,
	"profile":     true,
	"storage":     true,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never includes tokens), and (3) the
// changed sections that need a restart to apply.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	ok, nk := oldCfg.Kernel, newCfg.Kernel
	if ok.ConsumerThreads != nk.ConsumerThreads ||
		!strings.EqualFold(strings.TrimSpace(ok.SchedulerQueue), strings.TrimSpace(nk.SchedulerQueue)) ||
		strings.TrimSpace(ok.Heartbeat) != strings.TrimSpace(nk.Heartbeat) ||
		!strings.EqualFold(strings.TrimSpace(ok.HeartbeatPriority), strings.TrimSpace(nk.HeartbeatPriority)) ||
		strings.TrimSpace(ok.ShutdownTimeout) != strings.TrimSpace(nk.ShutdownTimeout) {
		changed = append(changed, "kernel")
		attrs = append(attrs,
			logx.Int("kernel.consumer_threads", nk.ConsumerThreads),
			logx.String("kernel.scheduler_queue", strings.TrimSpace(nk.SchedulerQueue)),
			logx.String("kernel.heartbeat", strings.TrimSpace(nk.Heartbeat)),
		)
	}

	ot, nt := oldCfg.Transaction, newCfg.Transaction
	if strings.TrimSpace(ot.Timeout) != strings.TrimSpace(nt.Timeout) ||
		strings.TrimSpace(ot.UnboundedTimeout) != strings.TrimSpace(nt.UnboundedTimeout) ||
		ot.DisablePrepareAndCommitOpt != nt.DisablePrepareAndCommitOpt {
		changed = append(changed, "transaction")
		attrs = append(attrs,
			logx.String("transaction.timeout", strings.TrimSpace(nt.Timeout)),
			logx.String("transaction.unbounded_timeout", strings.TrimSpace(nt.UnboundedTimeout)),
			logx.Bool("transaction.prepare_and_commit_opt", !nt.DisablePrepareAndCommitOpt),
		)
	}

	if oldCfg.Profile != newCfg.Profile {
		changed = append(changed, "profile")
		attrs = append(attrs,
			logx.Int("profile.history_size", newCfg.Profile.HistorySize),
			logx.Bool("profile.persist", newCfg.Profile.Persist),
		)
	}

	// Nil means disabled.
	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oS, nS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	oa, na := oldCfg.Admin, newCfg.Admin
	tokenChanged := strings.TrimSpace(oa.Token) != strings.TrimSpace(na.Token)
	oa.Token, na.Token = "", ""
	if tokenChanged || oa != na {
		changed = append(changed, "admin")
		attrs = append(attrs,
			logx.Bool("admin.enabled", na.Enabled),
			logx.String("admin.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("admin.token_set", strings.TrimSpace(newCfg.Admin.Token) != ""),
			logx.Bool("admin.allow_insecure", na.AllowInsecure),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func derefStorage(sc *StorageConfig) StorageConfig {
	if sc == nil {
		return StorageConfig{}
	}
	return *sc
}
