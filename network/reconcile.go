package network

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Decision is the receiver's verdict on one offered directory entry.
type Decision struct {
	Index  uint32
	Name   string
	Size   uint64
	Accept bool
	Cursor uint64
}

// LocalDirectory is what already exists in a receiving directory.
type LocalDirectory struct {
	// Sizes holds the regular files by name.
	Sizes map[string]uint64
	// Occupied holds names taken by directories, symlinks or special files.
	Occupied map[string]struct{}
}

// Reconcile compares offered entries against the local directory.
// Entries whose local copy is at least as large are rejected, smaller copies
// resume at their size, and missing files start at 0. Unsafe and repeated
// names are rejected, as are names held by something other than a file.
func Reconcile(entries []DirectoryEntry, local LocalDirectory) []Decision {
	decisions := make([]Decision, len(entries))
	seen := make(map[string]struct{}, len(entries))

	for i, entry := range entries {
		decision := Decision{Index: uint32(i), Name: entry.Name, Size: entry.Size}

		_, duplicate := seen[entry.Name]
		seen[entry.Name] = struct{}{}
		if duplicate || SafeName(entry.Name) != nil {
			decisions[i] = decision
			continue
		}

		if _, occupied := local.Occupied[entry.Name]; occupied {
			decisions[i] = decision
			continue
		}

		size, exists := local.Sizes[entry.Name]
		switch {
		case !exists:
			decision.Accept = true
		case size < entry.Size:
			decision.Accept = true
			decision.Cursor = size
		}
		decisions[i] = decision
	}
	return decisions
}

// AcceptAll accepts every safe entry at cursor 0.
func AcceptAll(entries []DirectoryEntry) []Decision {
	return Reconcile(entries, LocalDirectory{})
}

// Selection builds the BeginUpload reply for the accepted decisions.
func Selection(transactionID uint64, decisions []Decision) *BeginUpload {
	upload := &BeginUpload{TransactionID: transactionID}
	for _, decision := range decisions {
		if !decision.Accept {
			continue
		}
		upload.FileIndexes = append(upload.FileIndexes, decision.Index)
		upload.Cursors = append(upload.Cursors, decision.Cursor)
	}
	return upload
}

// ScanLocalDirectory lists the entries directly inside dir. Regular files
// whose metadata cannot be read are skipped.
func ScanLocalDirectory(dir string) (LocalDirectory, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return LocalDirectory{}, &LocalError{Path: dir, Err: err}
	}

	local := LocalDirectory{
		Sizes:    make(map[string]uint64, len(entries)),
		Occupied: make(map[string]struct{}),
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			local.Occupied[entry.Name()] = struct{}{}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		local.Sizes[entry.Name()] = uint64(info.Size())
	}
	return local, nil
}

// SafeName reports an error unless name is a single plain path element.
func SafeName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case filepath.IsAbs(name), filepath.VolumeName(name) != "":
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return nil
}
