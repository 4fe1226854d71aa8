package config

// DefaultThresholds is substituted for a fan whose TemperatureThresholds
// is empty and whose model does not set LegacyTemperatureThresholdsBehaviour.
var DefaultThresholds = []TemperatureThreshold{
	{UpThreshold: 0, DownThreshold: 0, FanSpeed: 0},
	{UpThreshold: 55, DownThreshold: 50, FanSpeed: 50},
	{UpThreshold: 65, DownThreshold: 58, FanSpeed: 75},
	{UpThreshold: 75, DownThreshold: 68, FanSpeed: 100},
}

// LegacyDefaultThresholds is substituted instead of DefaultThresholds when
// LegacyTemperatureThresholdsBehaviour is set, matching older notebook
// model files. It ramps up at lower temperatures than DefaultThresholds,
// reaching 100% at 70C instead of 75C.
var LegacyDefaultThresholds = []TemperatureThreshold{
	{UpThreshold: 0, DownThreshold: 0, FanSpeed: 0},
	{UpThreshold: 50, DownThreshold: 45, FanSpeed: 40},
	{UpThreshold: 60, DownThreshold: 52, FanSpeed: 70},
	{UpThreshold: 70, DownThreshold: 62, FanSpeed: 100},
}
