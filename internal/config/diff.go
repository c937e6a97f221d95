package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired lists changed settings that only take effect after a
	// restart, by YAML path.
	RestartRequired []string
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.takeover", old.Server.Takeover != new.Server.Takeover)
	restart("server.max_frame_bytes", old.Server.MaxFrameBytes != new.Server.MaxFrameBytes)
	restart("server.write_timeout", old.Server.WriteTimeout != new.Server.WriteTimeout)
	restart("server.wait_for_engine", old.Server.WaitsForEngine() != new.Server.WaitsForEngine())
	restart("server.origin_patterns", !slices.Equal(old.Server.OriginPatterns, new.Server.OriginPatterns))
	restart("engine", old.Engine != new.Engine)
	restart("vad", !sameVAD(old.VAD, new.VAD))
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func sameVAD(a, b VADConfig) bool {
	return derefOr(a.Sensitivity, -1) == derefOr(b.Sensitivity, -1) &&
		derefOr(a.NoiseGate, -1) == derefOr(b.NoiseGate, -1) &&
		a.PostSpeechSilence == b.PostSpeechSilence &&
		a.FrameMs == b.FrameMs
}

func derefOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
