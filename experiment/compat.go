package experiment

import (
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/mod/semver"
)

// warnCompatibility compares a stored run's provenance against the
// current execution context and logs one warning per difference. A
// difference never fails the load: the run stays inspectable even when
// the environment that produced it is gone, it just may not re-execute.
func warnCompatibility(logger *slog.Logger, stored Meta) {
	current := captureMeta("", nil)

	if stored.OS != current.OS || stored.Arch != current.Arch {
		logger.Warn("run was produced on a different platform; packaged units may not re-execute",
			"stored", stored.OS+"/"+stored.Arch,
			"current", current.OS+"/"+current.Arch)
	}
	if stored.GoVersion != current.GoVersion {
		logger.Warn("run was produced with a different Go runtime",
			"stored", stored.GoVersion, "current", current.GoVersion)
	}
	switch semver.Compare(canonicalVersion(stored.ToolVersion), canonicalVersion(current.ToolVersion)) {
	case 1:
		logger.Warn("run was produced by a newer costep than this build",
			"stored", stored.ToolVersion, "current", current.ToolVersion)
	case -1:
		logger.Warn("run was produced by an older costep",
			"stored", stored.ToolVersion, "current", current.ToolVersion)
	}

	diffs := manifestDiff(stored.Dependencies, current.Dependencies)
	if len(diffs) == 0 {
		return
	}
	logger.Warn("dependency manifest differs from the current build",
		"differences", len(diffs))
	for _, d := range diffs {
		logger.Debug("dependency difference", "module", d.module,
			"stored", d.stored, "current", d.current)
	}
}

// canonicalVersion prepares a tool version for semver comparison; the
// build stamps versions without the leading "v".
func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

type dependencyDiff struct {
	module  string
	stored  string
	current string
}

func manifestDiff(stored, current map[string]string) []dependencyDiff {
	modules := make(map[string]bool, len(stored)+len(current))
	for m := range stored {
		modules[m] = true
	}
	for m := range current {
		modules[m] = true
	}
	names := make([]string, 0, len(modules))
	for m := range modules {
		names = append(names, m)
	}
	sort.Strings(names)

	var diffs []dependencyDiff
	for _, m := range names {
		sv, sok := stored[m]
		cv, cok := current[m]
		if sok && cok && sv == cv {
			continue
		}
		if !sok {
			sv = "absent"
		}
		if !cok {
			cv = "absent"
		}
		diffs = append(diffs, dependencyDiff{module: m, stored: sv, current: cv})
	}
	return diffs
}
