package raster

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Code is the engine's error number. Positive values follow GDAL's CPLErr
// numbering; negative values are assigned by this package.
type Code int

const (
	CodeNone            Code = 0
	CodeAppDefined      Code = 1
	CodeOutOfMemory     Code = 2
	CodeFileIO          Code = 3
	CodeOpenFailed      Code = 4
	CodeIllegalArg      Code = 5
	CodeNotSupported    Code = 6
	CodeAssertionFailed Code = 7
	CodeNoWriteAccess   Code = 8
	CodeUserInterrupt   Code = 9
	CodeObjectNull      Code = 10

	// CodeEmptyResult marks an operation whose inputs do not overlap its
	// clip region, so there is nothing to produce.
	CodeEmptyResult Code = -1
)

var codeNames = map[Code]string{
	CodeNone:            "None",
	CodeAppDefined:      "AppDefined",
	CodeOutOfMemory:     "OutOfMemory",
	CodeFileIO:          "FileIO",
	CodeOpenFailed:      "OpenFailed",
	CodeIllegalArg:      "IllegalArg",
	CodeNotSupported:    "NotSupported",
	CodeAssertionFailed: "AssertionFailed",
	CodeNoWriteAccess:   "NoWriteAccess",
	CodeUserInterrupt:   "UserInterrupt",
	CodeObjectNull:      "ObjectNull",
	CodeEmptyResult:     "EmptyResult",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return "Code(" + strconv.Itoa(int(c)) + ")"
}

// EngineError is a failed engine operation.
type EngineError struct {
	Op       string
	Code     Code
	ExitCode int
	Detail   string
	Err      error
}

func (e *EngineError) Error() string {
	msg := fmt.Sprintf("raster: %s failed (%s, exit %d)", e.Op, e.Code, e.ExitCode)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EngineError) Unwrap() error { return e.Err }

// IsBenign reports whether err is an empty-result condition: the tile
// contributes nothing and can be left out of a mosaic.
func IsBenign(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Code == CodeEmptyResult
}

var errorLine = regexp.MustCompile(`(?m)^ERROR (\d+): (.*)$`)

// parseDiagnostics returns the first error number reported on stderr and
// the reported messages.
func parseDiagnostics(stderr string) (Code, string) {
	matches := errorLine.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return CodeNone, lastLine(stderr)
	}
	n, _ := strconv.Atoi(matches[0][1])
	msgs := make([]string, 0, len(matches))
	for _, m := range matches {
		msgs = append(msgs, strings.TrimSpace(m[2]))
	}
	return Code(n), strings.Join(msgs, "; ")
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
