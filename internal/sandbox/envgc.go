package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// PruneReport summarizes one GC decision. It is embedded in run records and
// never turned into an error.
type PruneReport struct {
	Ran                  bool     `json:"ran"`
	Skipped              string   `json:"skipped,omitempty"`
	Scanned              int      `json:"scanned"`
	Deleted              []string `json:"deleted"`
	Protected            []string `json:"protected"`
	Kept                 int      `json:"kept"`
	FreedBytes           int64    `json:"freed_bytes"`
	TotalBytesBefore     int64    `json:"total_bytes_before"`
	TotalBytesAfter      int64    `json:"total_bytes_after"`
	ExpiredLeasesRemoved int      `json:"expired_leases_removed"`
	Errors               []string `json:"errors,omitempty"`
	StateError           string   `json:"state_error,omitempty"`
}

// Skip reasons.
const (
	GCSkippedDisabled  = "disabled"
	GCSkippedThrottled = "throttled"
)

type envEntry struct {
	scope        string
	dir          string
	lastUsed     time.Time
	size         int64
	activeLeases int
}

type gcState struct {
	LastGCTS float64 `json:"last_gc_ts"`
}

// PruneEnvs runs one GC pass over envRoot. An environment is never deleted
// while it holds an unexpired lease, was used within the active grace period,
// is listed in keep, or when deleting it would leave fewer than MinKeep.
// Individual failures are collected and the pass continues.
func PruneEnvs(envRoot string, p GCPolicy, keep []string, now time.Time) *PruneReport {
	report := &PruneReport{Ran: true, Deleted: []string{}, Protected: []string{}}

	dirents, err := os.ReadDir(envRoot)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			report.Errors = append(report.Errors, fmt.Sprintf("list %s: %v", envRoot, err))
		}
		return report
	}

	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	leaseTTL := time.Duration(p.LeaseTTLSec) * time.Second
	grace := time.Duration(p.ActiveGraceSec) * time.Second
	ttl := time.Duration(p.TTLSec) * time.Second

	var envs []envEntry
	for _, de := range dirents {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		e := envEntry{scope: de.Name(), dir: filepath.Join(envRoot, de.Name())}
		removed, active, errs := sweepLeases(e.dir, leaseTTL, now)
		report.ExpiredLeasesRemoved += removed
		report.Errors = append(report.Errors, errs...)
		e.activeLeases = active
		e.lastUsed = envLastUsed(e.dir, de)
		e.size = dirSize(e.dir)
		envs = append(envs, e)
		report.TotalBytesBefore += e.size
	}
	report.Scanned = len(envs)

	var candidates []envEntry
	for _, e := range envs {
		if e.activeLeases > 0 || keepSet[e.scope] || now.Sub(e.lastUsed) < grace {
			report.Protected = append(report.Protected, e.scope)
			continue
		}
		candidates = append(candidates, e)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].lastUsed.Before(candidates[j].lastUsed)
	})

	retained := len(envs)
	total := report.TotalBytesBefore
	for _, e := range candidates {
		if retained <= p.MinKeep {
			break
		}
		expired := ttl > 0 && now.Sub(e.lastUsed) > ttl
		overCount := p.MaxKeep > 0 && retained > p.MaxKeep
		overBytes := p.MaxTotalBytes > 0 && total > p.MaxTotalBytes
		if !expired && !overCount && !overBytes {
			continue
		}
		// A run may have leased the env since the scan.
		if _, active, _ := sweepLeases(e.dir, leaseTTL, now); active > 0 {
			report.Protected = append(report.Protected, e.scope)
			continue
		}
		if err := os.RemoveAll(e.dir); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("delete %s: %v", e.scope, err))
			continue
		}
		report.Deleted = append(report.Deleted, e.scope)
		report.FreedBytes += e.size
		total -= e.size
		retained--

		log.Info().
			Str("scope", e.scope).
			Int64("bytes", e.size).
			Bool("expired", expired).
			Bool("over_count", overCount).
			Bool("over_bytes", overBytes).
			Msg("deleted chart environment")
	}

	report.Kept = retained
	report.TotalBytesAfter = total
	return report
}

// sweepLeases removes expired lease files in envDir and counts the rest.
func sweepLeases(envDir string, leaseTTL time.Duration, now time.Time) (removed, active int, errs []string) {
	dirents, err := os.ReadDir(envDir)
	if err != nil {
		return 0, 0, []string{fmt.Sprintf("list %s: %v", envDir, err)}
	}
	for _, de := range dirents {
		if de.IsDir() || !strings.HasPrefix(de.Name(), leasePrefix) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Vanished between ReadDir and Info: released.
			continue
		}
		if leaseTTL > 0 && now.Sub(info.ModTime()) > leaseTTL {
			if err := os.Remove(filepath.Join(envDir, de.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Sprintf("remove expired lease %s: %v", de.Name(), err))
				active++
				continue
			}
			removed++
			continue
		}
		active++
	}
	return removed, active, errs
}

func envLastUsed(envDir string, de fs.DirEntry) time.Time {
	if m, err := readEnvMeta(envDir); err == nil && m.LastUsedTS > 0 {
		return fromUnixSeconds(m.LastUsedTS)
	}
	if info, err := de.Info(); err == nil {
		return info.ModTime()
	}
	return time.Time{}
}

func dirSize(dir string) int64 {
	var total int64
	_ = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

func readGCState(envRoot string) (gcState, error) {
	var s gcState
	data, err := os.ReadFile(filepath.Join(envRoot, gcStateFile))
	if err != nil {
		return s, err
	}
	err = json.Unmarshal(data, &s)
	return s, err
}

// MaybePruneEnvs runs a GC pass if the policy is enabled and IntervalSec has
// elapsed since the last recorded pass. Passes within this Runtime are
// serialized.
func (r *Runtime) MaybePruneEnvs(keep []string, now time.Time) *PruneReport {
	return r.pruneEnvs(keep, now, false)
}

// ForcePruneEnvs runs a GC pass regardless of the enabled flag and interval.
func (r *Runtime) ForcePruneEnvs(keep []string, now time.Time) *PruneReport {
	return r.pruneEnvs(keep, now, true)
}

func (r *Runtime) pruneEnvs(keep []string, now time.Time, force bool) *PruneReport {
	r.gcMu.Lock()
	defer r.gcMu.Unlock()

	p := LoadGCPolicy(r.gcBase)
	root := r.envRoot()

	if !force {
		if !p.Enabled {
			return &PruneReport{Skipped: GCSkippedDisabled}
		}
		if p.IntervalSec > 0 {
			state, err := readGCState(root)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Msg("unreadable GC state, running a pass")
			}
			elapsed := now.Sub(fromUnixSeconds(state.LastGCTS))
			if state.LastGCTS > 0 && elapsed >= 0 && elapsed < time.Duration(p.IntervalSec)*time.Second {
				return &PruneReport{Skipped: GCSkippedThrottled}
			}
		}
	}

	report := PruneEnvs(root, p, keep, now)

	if err := os.MkdirAll(root, 0o755); err != nil {
		report.StateError = err.Error()
	} else if err := writeJSONAtomic(filepath.Join(root, gcStateFile), gcState{LastGCTS: unixSeconds(now)}); err != nil {
		report.StateError = err.Error()
	}
	if report.StateError != "" {
		log.Warn().Str("error", report.StateError).Msg("failed to persist GC state")
	}

	r.metrics.RecordEnvGC(len(report.Deleted), report.FreedBytes)
	if len(report.Deleted) > 0 || len(report.Errors) > 0 {
		log.Info().
			Int("scanned", report.Scanned).
			Strs("deleted", report.Deleted).
			Int64("freed_bytes", report.FreedBytes).
			Int("errors", len(report.Errors)).
			Msg("chart environment GC pass")
	}
	return report
}
