package extension

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/squadsync/extension/internal/dump"
	"github.com/squadsync/extension/internal/memory"
	"github.com/squadsync/extension/pkg/hostapi"
)

// DumpFile is the metadata dump read from the addon folder when running inside
// the host. A zstd compressed copy named DumpFile+".zst" is used when the
// plain file is absent.
const DumpFile = "dump.cs"

// ErrNoDump is returned by OpenProcess when the addon folder holds no dump.
var ErrNoDump = errors.New("no metadata dump in addon folder")

// processHost pairs dump metadata with the memory of the current process.
// Only the Introspector methods of the dump are promoted: dump class handles
// are not runtime class pointers, so the dump cannot classify live objects.
type processHost struct {
	hostapi.Introspector
	memory.ProcessMemory
}

// FindDump returns the path of the dump in folder.
func FindDump(folder string) (string, error) {
	for _, name := range []string{DumpFile, DumpFile + ".zst"} {
		path := filepath.Join(folder, name)
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("checking %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNoDump, folder)
}

// OpenProcess builds the extension used inside the host process: metadata
// from the dump in addonFolder, memory of the current process.
func OpenProcess(addonFolder, hostBuild string) (*Extension, error) {
	path, err := FindDump(addonFolder)
	if err != nil {
		return nil, err
	}
	meta, err := dump.Open(path)
	if err != nil {
		return nil, err
	}
	return New(Dependencies{
		Host:        processHost{Introspector: meta, ProcessMemory: memory.ProcessMemory{}},
		AddonFolder: addonFolder,
		HostBuild:   hostBuild,
	})
}
