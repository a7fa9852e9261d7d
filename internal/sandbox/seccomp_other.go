//go:build !linux

package sandbox

// SeccompProfile returns "" off Linux; the engine then applies its own
// default profile.
func SeccompProfile() string {
	return ""
}
