//go:build !(linux || darwin || freebsd)

package backup

func freeSpace(string) (int64, bool) { return 0, false }
