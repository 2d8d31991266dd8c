// Package codeload implements two-phase module loading and the purge
// safety check. A Runtime owns the module registry, the staged code
// store and the native library store, and consults the process layer
// before any old code is discarded.
package codeload

import "github.com/tliron/commonlog"

var log = commonlog.GetLogger("hotcode.codeload")
