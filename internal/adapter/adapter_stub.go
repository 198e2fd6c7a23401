//go:build !windows && !linux && !darwin

package adapter

// New reports that no capture adapter exists for this OS.
func New() (Adapter, error) {
	return nil, ErrUnsupportedOS
}
