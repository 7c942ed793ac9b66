package camera

// Preset names for common configurations
const (
	PresetDefault  = "default"
	Preset720p     = "720p"
	Preset1080p    = "1080p"
	PresetLowLight = "lowlight"
	PresetFast     = "fast"
)

// Presets returns all available preset configurations.
func Presets() map[string]Config {
	return map[string]Config{
		PresetDefault:  DefaultConfig(),
		Preset720p:     HD720Config(),
		Preset1080p:    HD1080Config(),
		PresetLowLight: LowLightConfig(),
		PresetFast:     FastConfig(),
	}
}

// PresetNames returns the list of available preset names.
func PresetNames() []string {
	return []string{
		PresetDefault,
		Preset720p,
		Preset1080p,
		PresetLowLight,
		PresetFast,
	}
}

// GetPreset returns a preset config by name, or nil if not found.
func GetPreset(name string) *Config {
	if cfg, ok := Presets()[name]; ok {
		return &cfg
	}
	return nil
}

// HD720Config returns 720p HD configuration.
func HD720Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1280
	cfg.Height = 720
	return cfg
}

// HD1080Config returns 1080p configuration. Detection is slower; stills
// are sharper.
func HD1080Config() Config {
	cfg := DefaultConfig()
	cfg.Width = 1920
	cfg.Height = 1080
	cfg.Framerate = 15
	return cfg
}

// LowLightConfig halves the framerate so the sensor can expose longer.
func LowLightConfig() Config {
	cfg := HD720Config()
	cfg.Framerate = 15
	return cfg
}

// FastConfig trades still quality for throughput on small devices.
func FastConfig() Config {
	cfg := DefaultConfig()
	cfg.Width = 320
	cfg.Height = 240
	cfg.Format = FormatGray
	cfg.StillQuality = 85
	cfg.FastQuality = 70
	return cfg
}
