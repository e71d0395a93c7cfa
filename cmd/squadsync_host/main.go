// Command squadsync_host is the in-process build of the extension, loaded by
// the host as a shared library:
//
//	go build -buildmode=c-shared -o squadsync.so ./cmd/squadsync_host
//
// The library expects dump.cs (or dump.cs.zst) next to it. The host glue calls
// the exported SquadSync* functions from its simulation thread.
package main

/*
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/squadsync/extension/internal/extension"
	"github.com/squadsync/extension/pkg/hostapi"
)

// BuildEnv names the environment variable the host glue may set to the host
// build id recorded with the session.
const BuildEnv = "SQUADSYNC_HOST_BUILD"

// init is run automatically when the library is loaded
func init() {
	folder := addonFolder(modulePath())
	ext, err := extension.OpenProcess(folder, os.Getenv(BuildEnv))
	if err != nil {
		// nothing is installed, so every entry point passes through
		fmt.Fprintf(os.Stderr, "%s: not loaded: %v\n", extension.Name, err)
		return
	}
	ext.Install()
}

// addonFolder is the directory holding the library, or the working directory
// when the loader could not report the library path.
func addonFolder(module string) string {
	if module == "" {
		return "."
	}
	return filepath.Dir(module)
}

// called by the host to get the version of the extension
//
//export SquadSyncVersion
func SquadSyncVersion(output *C.char, outputsize C.size_t) {
	reply(hostapi.Version(), output, outputsize)
}

//export SquadSyncPhaseEntered
func SquadSyncPhaseEntered() {
	hostapi.PhaseEntered()
}

//export SquadSyncTurnStarted
func SquadSyncTurnStarted(faction C.uintptr_t) {
	hostapi.TurnStarted(uintptr(faction))
}

//export SquadSyncAdjustPriority
func SquadSyncAdjustPriority(agent C.uintptr_t, priority C.float) C.float {
	return C.float(hostapi.AdjustPriority(uintptr(agent), float32(priority)))
}

//export SquadSyncActionExecuted
func SquadSyncActionExecuted(agent C.uintptr_t) {
	hostapi.ActionExecuted(uintptr(agent))
}

//export SquadSyncTileScoresComputed
func SquadSyncTileScoresComputed(agent C.uintptr_t) {
	hostapi.TileScoresComputed(uintptr(agent))
}

// reply copies response into the host's buffer, truncating to outputsize.
func reply(response string, output *C.char, outputsize C.size_t) {
	if output == nil || outputsize == 0 {
		return
	}
	result := C.CString(response)
	defer C.free(unsafe.Pointer(result))
	size := C.strlen(result) + 1
	if size > outputsize {
		size = outputsize
	}
	C.memmove(unsafe.Pointer(output), unsafe.Pointer(result), size)
	// a truncated reply still ends in NUL
	*(*C.char)(unsafe.Add(unsafe.Pointer(output), outputsize-1)) = 0
}

func main() {}
