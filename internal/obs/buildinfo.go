package obs

// SetBuildInfo publishes build_info{version,commit} = 1.
func (m *Metrics) SetBuildInfo(version, commit string) {
	if m == nil {
		return
	}
	if commit == "" {
		commit = "unknown"
	}
	m.buildInfo.WithLabelValues(version, commit).Set(1)
}
