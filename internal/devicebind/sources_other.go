//go:build !linux

package devicebind

func defaultSources() []Source {
	return []Source{machineIDSource{}, hostSource{}}
}
