//go:build !linux

package capability

import (
	"fmt"
	"runtime"
)

func hostPlatform() string {
	return fmt.Sprintf("%s (%s)", runtime.GOOS, runtime.GOARCH)
}
