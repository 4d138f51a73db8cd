//go:build !linux

package mailproc

// SetProcessName is a no-op outside linux.
func SetProcessName(string) error { return nil }
