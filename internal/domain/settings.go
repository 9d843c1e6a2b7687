package domain

// Persisted settings keys.
const (
	// SettingDisable set to true turns capture off. Wins over SettingEnable.
	SettingDisable = "crashmon.disable"

	// SettingEnable is the opt-in alternative to SettingDisable.
	SettingEnable = "crashmon.enable"

	SettingSystemLogs   = "crashmon.syslog.enable"
	SettingDeviceID     = "crashmon.deviceid.enable"
	SettingUserEmail    = "crashmon.user.email"
	SettingAlwaysAccept = "crashmon.alwaysaccept"

	// SettingLastVersion is the app version seen at the previous launch.
	SettingLastVersion = "crashmon.lastVersionNr"

	// SettingLegacyMigrated is write-once: never reset after true.
	SettingLegacyMigrated = "crashmon.legacyMigrated"
)
