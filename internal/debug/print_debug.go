//go:build debug

package debug

import (
	"fmt"
	"os"
)

const Debug = true

func Print(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "DEBUG securecache: "+format, args...)
}
