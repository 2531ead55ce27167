package acquisition

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"sort"

	"megafield/internal/hardware"
)

// DefaultUser names the storage directory when the detector has no user.
const DefaultUser = "megafield-user"

// SettingsSelection lists, per component, the settings stored with every
// megafield.
var SettingsSelection = map[string][]string{
	"Beam Shift Controller": {"shift"},
	"Detector Rotator":      {"position", "referenced", "speed"},
	"Mirror Descanner":      {"clockPeriod", "physicalFlybackTime", "rotation", "scanAmplitude", "scanOffset"},
	"MultiBeam Scanner":     {"clockPeriod", "dwellTime", "rotation", "scanAmplitude", "scanDelay", "scanOffset"},
	"MultiBeam Scanner XT":  {"accelVoltage", "beamShiftTransformationMatrix", "multiprobeRotation", "patternStigmator", "power", "rotation"},
	"Sample Stage":          {"position", "referenced", "speed"},
}

// selectSettings keeps the selected settings of the components present in
// all. Missing components are logged and skipped.
func selectSettings(all map[string]map[string]any, log *slog.Logger) map[string]map[string]any {
	comps := make([]string, 0, len(SettingsSelection))
	for comp := range SettingsSelection {
		comps = append(comps, comp)
	}
	sort.Strings(comps)

	selected := make(map[string]map[string]any)
	for _, comp := range comps {
		values, ok := all[comp]
		if !ok {
			log.Info("component not reported by settings source, its settings will not be stored", "component", comp)
			continue
		}
		out := make(map[string]any)
		for _, name := range SettingsSelection[comp] {
			if v, ok := values[name]; ok {
				out[name] = v
			}
		}
		selected[comp] = out
	}
	return selected
}

// snapshotSettings stores the selected settings as JSON in the detector
// metadata.
func snapshotSettings(src hardware.SettingsSource, det hardware.MetadataStore, log *slog.Logger) (map[string]map[string]any, error) {
	selected := selectSettings(src.AllSettings(), log)
	data, err := json.Marshal(selected)
	if err != nil {
		return nil, fmt.Errorf("encode settings snapshot: %w", err)
	}
	det.UpdateMetadata(map[string]any{hardware.MDExtraSettings: string(data)})
	return selected, nil
}

// destination returns <user>/<sub path>/<region name>.
func destination(det hardware.MetadataStore, subPath, region string) string {
	user, _ := det.Metadata()[hardware.MDUser].(string)
	if user == "" {
		user = DefaultUser
	}
	return path.Join(user, subPath, region)
}

// effectiveFieldSize is the part of a field not shared with its neighbours.
func effectiveFieldSize(res hardware.Resolution, overlap float64) [2]int {
	return [2]int{int((1 - overlap) * float64(res.X)), int((1 - overlap) * float64(res.Y))}
}
