package policy

import (
	"github.com/eliteGoblin/focusd/crash_mon/internal/domain"
)

// SettingsReader is the read side of domain.SettingsStore.
type SettingsReader interface {
	GetBool(key string, def bool) (bool, error)
	GetString(key string, def string) (string, error)
}

// CaptureDisabled reports whether the user turned crash capture off.
//
// The disable key wins over the enable key; when neither is set the
// configured default applies. A storage anomaly (type mismatch, unreadable
// file) never disables capture.
func CaptureDisabled(s SettingsReader, enabledByDefault bool) bool {
	enabled, err := s.GetBool(domain.SettingEnable, enabledByDefault)
	if err != nil {
		return false
	}
	disabled, err := s.GetBool(domain.SettingDisable, !enabled)
	if err != nil {
		return false
	}
	return disabled
}

// AlwaysAccept reports whether the user pre-approved every report.
func AlwaysAccept(s SettingsReader) bool {
	v, err := s.GetBool(domain.SettingAlwaysAccept, false)
	if err != nil {
		return false
	}
	return v
}

// IsCaptureKey reports whether a settings change affects capture enablement.
func IsCaptureKey(key string) bool {
	return key == domain.SettingDisable || key == domain.SettingEnable
}
