// Package env captures details about the BFS tooling environment.
package env

import "os"

// BFSRoot is the directory under which the BFS tools keep volume images
// and mount points by default.
var BFSRoot = findBFSRoot()

func findBFSRoot() string {
	env := os.Getenv("BFSROOT")
	if env != "" {
		return env
	}
	return os.ExpandEnv("$HOME/bfs") // default
}

// DefaultImage is the volume image path the tools operate on when no
// explicit image argument is given.
func DefaultImage() string {
	return BFSRoot + "/volume.img"
}
