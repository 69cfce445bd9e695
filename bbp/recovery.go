package bbp

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/monetdb-go/gdk/common"
	"github.com/monetdb-go/gdk/farm"
)

// farmHandle pairs a registered farm with the pool's view of it; recovery
// and commit code thread this through instead of a bare *farm.Farm so
// that logging and id resolution stay consistent across both.
type farmHandle struct {
	farm *farm.Farm
}

// recognizedExtensions are the only filename suffixes expected under a
// BAT's octal subdirectory; anything else halts the scan of its directory
// rather than being guessed about.
var recognizedExtensions = map[string]bool{
	"tail": true, "tail1": true, "tail2": true, "tail4": true,
	"theap": true, "thashl": true, "thashb": true,
	"timprints": true, "torderidx": true,
}

func isRecognizedBATFile(name string) bool {
	ext := name
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		ext = name[i+1:]
	} else {
		return false
	}
	if strings.HasSuffix(ext, ".kill") {
		return true
	}
	return recognizedExtensions[ext]
}

// Recover restores fh's on-disk state to a consistent pre-commit point
// (TEMP/DELETE_ME cleanup, subdir-recover, BACKUP/BBP.dir win, staged
// file restore), with the pool's global lock held for the duration. It
// does not run diskScan: that requires the directory to already be
// loaded into slots, which happens later in Init.
func (p *Pool) Recover(fh *farmHandle) error {
	p.Lock()
	defer p.Unlock()

	root := fh.farm.Dir

	if err := os.RemoveAll(filepath.Join(root, "TEMP")); err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "removing TEMP")
	}
	if err := os.RemoveAll(fh.farm.DeleteMeDir()); err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "removing DELETE_ME")
	}

	if err := p.subdirRecover(fh); err != nil {
		return err
	}

	backupDir := fh.farm.BackupDir()
	backupDirFile := filepath.Join(backupDir, "BBP.dir")
	liveDirFile := filepath.Join(root, "BBP.dir")

	if _, err := os.Stat(backupDirFile); err == nil {
		if _, err := os.Stat(liveDirFile); err == nil {
			if err := os.Rename(liveDirFile, filepath.Join(root, "BBP.bak")); err != nil {
				return common.WrapError(common.ErrCommitFailed, err, "saving aside live BBP.dir")
			}
		}
		if err := os.Rename(backupDirFile, liveDirFile); err != nil {
			return common.WrapError(common.ErrCommitFailed, err, "restoring BBP.dir from BACKUP")
		}
	} else if _, err := os.Stat(liveDirFile); os.IsNotExist(err) {
		if _, err := os.Stat(filepath.Join(root, "BBP.bak")); err == nil {
			if err := os.Rename(filepath.Join(root, "BBP.bak"), liveDirFile); err != nil {
				return common.WrapError(common.ErrCommitFailed, err, "restoring BBP.dir from BBP.bak")
			}
		}
		// else: no directory at all yet, Pool.Init will initialise empty.
	}

	if err := p.restoreBackupFiles(fh, backupDir); err != nil {
		return err
	}
	if err := os.RemoveAll(backupDir); err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "removing spent BACKUP")
	}

	return nil
}

// fullRecoverFromBackup runs full recovery if a prior commit is still
// staged under BACKUP/, so a new commit starts without a leftover
// BACKUP/; it does nothing when BACKUP/ does not exist.
func (p *Pool) fullRecoverFromBackup(fh *farmHandle) error {
	if _, err := os.Stat(fh.farm.BackupDir()); os.IsNotExist(err) {
		return nil
	}
	return p.Recover(fh)
}

// subdirRecover moves BACKUP/SUBCOMMIT/'s contents up into BACKUP/,
// guaranteeing SUBCOMMIT/ is empty afterward.
func (p *Pool) subdirRecover(fh *farmHandle) error {
	sub := fh.farm.SubcommitDir()
	entries, err := os.ReadDir(sub)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "reading %s", sub)
	}
	backup := fh.farm.BackupDir()
	if err := os.MkdirAll(backup, 0o755); err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "creating %s", backup)
	}
	for _, e := range entries {
		src := filepath.Join(sub, e.Name())
		dst := filepath.Join(backup, e.Name())
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return common.WrapError(common.ErrCommitFailed, err, "moving %s out of SUBCOMMIT", src)
		}
	}
	return os.RemoveAll(sub)
}

// restoreBackupFiles walks BACKUP/ moving every staged file back to its
// id-derived subdirectory under root, deleting the heap named by a
// ".kill" marker instead of restoring it, and quarantining anything whose
// filename does not parse as a known BAT file under LEFT/.
func (p *Pool) restoreBackupFiles(fh *farmHandle, backupDir string) error {
	if _, err := os.Stat(backupDir); os.IsNotExist(err) {
		return nil
	}
	return filepath.WalkDir(backupDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		name := d.Name()
		if name == "BBP.dir" {
			return nil
		}

		if strings.HasSuffix(name, ".new.kill") {
			// "<octal-stem>.<ext>.new.kill": the marker names the heap
			// file recovery should delete, not restore.
			stem := strings.TrimSuffix(name, ".new.kill")
			dot := strings.LastIndexByte(stem, '.')
			if dot < 0 {
				return p.quarantine(fh, path)
			}
			id, ok := parseStemID(stem[:dot])
			if !ok {
				return p.quarantine(fh, path)
			}
			dest, err := fh.resolvePath(id, stem[dot+1:])
			if err == nil {
				os.Remove(dest + ".new")
			}
			return os.Remove(path)
		}

		id, ok := parseStemID(strings.TrimSuffix(name, filepath.Ext(name)))
		if !ok || !isRecognizedBATFile(name) {
			return p.quarantine(fh, path)
		}
		ext := strings.TrimPrefix(filepath.Ext(name), ".")
		dest, err := fh.resolvePath(id, ext)
		if err != nil {
			return p.quarantine(fh, path)
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return common.WrapError(common.ErrCommitFailed, err, "creating subdir for %s", dest)
		}
		return os.Rename(path, dest)
	})
}

func (fh *farmHandle) resolvePath(id common.BatID, ext string) (string, error) {
	return filepath.Join(fh.farm.Dir, farm.SubdirFor(id), strconv.FormatInt(int64(id), 8)+"."+ext), nil
}

func parseStemID(stem string) (common.BatID, bool) {
	v, err := strconv.ParseInt(stem, 8, 32)
	if err != nil {
		return common.NilBatID, false
	}
	return common.BatID(v), true
}

// quarantine moves an unrecognisable file to LEFT/ for offline
// inspection rather than guessing what it was.
func (p *Pool) quarantine(fh *farmHandle, path string) error {
	left := fh.farm.LeftDir()
	if err := os.MkdirAll(left, 0o755); err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "creating LEFT")
	}
	dest := filepath.Join(left, filepath.Base(path))
	p.cfg.Logger.Warnf("quarantining unrecognised file %s to %s", path, dest)
	return os.Rename(path, dest)
}

// diskScan walks the data root deleting any file that does not belong to
// a persistent, valid BAT, applying isRecognizedBATFile's strict naming
// rule and stopping the scan of a directory at the first unrecognised
// filename, preserving it in place. It must only run after the farm's
// BBP.dir has been loaded into slots (loadDirectory) -- isLiveID consults
// the slab array, and every id would otherwise look orphaned. It takes
// the pool's global lock itself, since by the time it runs Recover's own
// lock (held only across Recover) has already been released.
func (p *Pool) diskScan(fh *farmHandle) error {
	p.Lock()
	defer p.Unlock()

	root := fh.farm.Dir
	skip := map[string]bool{
		"BBP.dir": true, "BBP.bak": true,
		"BACKUP": true, "DELETE_ME": true, "TEMP": true, "LEFT": true,
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "reading farm root")
	}
	for _, top := range entries {
		if skip[top.Name()] || !top.IsDir() {
			continue
		}
		if err := p.scanSubdir(fh, filepath.Join(root, top.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) scanSubdir(fh *farmHandle, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "reading %s", dir)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := p.scanSubdir(fh, filepath.Join(dir, e.Name())); err != nil {
				return err
			}
			continue
		}
		name := e.Name()
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		id, ok := parseStemID(stem)
		if !ok || !isRecognizedBATFile(name) {
			p.cfg.Logger.Warnf("disk-scan: unrecognised file %s, stopping scan of %s", name, dir)
			return nil
		}
		if p.isLiveID(id) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			return common.WrapError(common.ErrCommitFailed, err, "removing orphan file %s", name)
		}
	}
	return nil
}

func (p *Pool) isLiveID(id common.BatID) bool {
	s := p.slab.slot(id)
	s.lock()
	defer s.unlock()
	return s.descriptor != nil && s.status.has(StatusExisting)
}
