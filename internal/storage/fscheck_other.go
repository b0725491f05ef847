//go:build !linux

package storage

// filesystemType is only implemented on linux; elsewhere every path is
// treated as local.
func filesystemType(string) (string, error) { return "local", nil }
