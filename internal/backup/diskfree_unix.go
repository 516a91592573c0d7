//go:build linux || darwin || freebsd

package backup

import "golang.org/x/sys/unix"

// freeSpace reports the bytes available to unprivileged users on the
// filesystem holding dir.
func freeSpace(dir string) (int64, bool) {
	if dir == "" {
		return 0, false
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, false
	}
	return int64(uint64(st.Bavail) * uint64(st.Bsize)), true
}
