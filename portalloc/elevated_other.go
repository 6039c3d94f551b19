//go:build !unix

package portalloc

func elevated() bool { return false }
