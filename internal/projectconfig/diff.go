package projectconfig

import (
	"reflect"
	"sort"

	"github.com/RealZimboGuy/updateflow/pkg/updateflow/domain"
)

// Plan is what it takes to bring the loaded configuration in line with the
// declared one. Handles are sorted.
type Plan struct {
	Install   []string
	Uninstall []string
}

func (p Plan) Empty() bool { return len(p.Install) == 0 && len(p.Uninstall) == 0 }

// Diff compares component sets only; settings are handled by ChangedKeys.
func Diff(loaded, declared *domain.ProjectConfig) Plan {
	var plan Plan
	for _, h := range declared.Handles() {
		if _, ok := loaded.Components[h]; !ok {
			plan.Install = append(plan.Install, h)
		}
	}
	for _, h := range loaded.Handles() {
		if _, ok := declared.Components[h]; !ok {
			plan.Uninstall = append(plan.Uninstall, h)
		}
	}
	return plan
}

// ChangedKeys lists the top level entries that differ, as "components.<handle>"
// and "settings.<key>".
func ChangedKeys(loaded, declared *domain.ProjectConfig) []string {
	var keys []string
	lc, dc := componentsOf(loaded), componentsOf(declared)
	for h := range union(lc, dc) {
		if !reflect.DeepEqual(normalize(lc[h]), normalize(dc[h])) {
			keys = append(keys, "components."+h)
		}
	}
	ls, ds := settingsOf(loaded), settingsOf(declared)
	for k := range union(ls, ds) {
		if !reflect.DeepEqual(normalize(ls[k]), normalize(ds[k])) {
			keys = append(keys, "settings."+k)
		}
	}
	sort.Strings(keys)
	return keys
}

func componentsOf(p *domain.ProjectConfig) map[string]any {
	out := map[string]any{}
	if p == nil {
		return out
	}
	for h, c := range p.Components {
		out[h] = c
	}
	return out
}

func settingsOf(p *domain.ProjectConfig) map[string]any {
	if p == nil || p.Settings == nil {
		return map[string]any{}
	}
	return p.Settings
}

func union(a, b map[string]any) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
