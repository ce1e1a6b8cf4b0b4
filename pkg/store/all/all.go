// Package all registers every built-in zone store driver.
package all

import (
	_ "github.com/lambdaS-zh/kamui/pkg/store/fs"
	_ "github.com/lambdaS-zh/kamui/pkg/store/memory"
)
