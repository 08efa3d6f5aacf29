// Package procgroup runs child processes in their own process group so a
// conversion process and everything it forks can be killed together.
package procgroup

import "errors"

// ErrProcessGone is returned by Kill when no process in the group exists.
var ErrProcessGone = errors.New("process group already gone")
