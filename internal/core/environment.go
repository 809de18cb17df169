package core

import (
	"os"
	"strings"
)

// EnvState is the lifecycle state of an isolated environment.
type EnvState string

const (
	EnvAbsent    EnvState = "absent"
	EnvCreated   EnvState = "created"
	EnvActivated EnvState = "activated"
)

// Environment is an isolated runtime rooted at Path.
type Environment struct {
	Path  string
	State EnvState
}

// Activation is the scoping context that makes a command run against an
// environment's package namespace. Computing it never touches the filesystem.
type Activation struct {
	Root        string
	PathPrepend []string          // directories put in front of PATH
	Set         map[string]string // variables forced to a value
	Unset       []string          // variables removed from the inherited environment
}

// Environ applies the activation to base (typically os.Environ()).
func (a *Activation) Environ(base []string) []string {
	if a == nil {
		return base
	}
	drop := make(map[string]bool, len(a.Unset)+len(a.Set))
	for _, k := range a.Unset {
		drop[k] = true
	}
	for k := range a.Set {
		drop[k] = true
	}

	path := ""
	out := make([]string, 0, len(base)+len(a.Set)+1)
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		if k == "PATH" {
			path = v
			continue
		}
		if drop[k] {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range a.Set {
		out = append(out, k+"="+v)
	}

	parts := append([]string{}, a.PathPrepend...)
	if path != "" {
		parts = append(parts, path)
	}
	return append(out, "PATH="+strings.Join(parts, string(os.PathListSeparator)))
}
