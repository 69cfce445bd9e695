package bbp

import (
	"io"
	"os"
	"path/filepath"

	"github.com/monetdb-go/gdk/common"
)

// commitState tracks one in-flight full or subcommit across Prepare,
// per-BAT safeguard, and Publish, staging files through BACKUP/ (full
// commit) or BACKUP/SUBCOMMIT/ (subcommit) before they become durable.
type commitState struct {
	farm       *farmHandle
	subcommit  bool
	backupDir  string
	stageDir   string // BACKUP/ for full, BACKUP/SUBCOMMIT/ for subcommit
	oldDirPath string // staged copy of the prior BBP.dir, used as merge input
}

// prepare ensures staging directories are in the expected empty/ready
// state, then moves the current BBP.dir aside as the merge input for the
// writer.
func (p *Pool) prepare(fh *farmHandle, subcommit bool) (*commitState, error) {
	if subcommit {
		if err := p.subdirRecover(fh); err != nil {
			return nil, err
		}
	} else if err := p.fullRecoverFromBackup(fh); err != nil {
		return nil, err
	}

	cs := &commitState{farm: fh, subcommit: subcommit, backupDir: fh.farm.BackupDir()}
	if err := os.MkdirAll(cs.backupDir, 0o755); err != nil {
		return nil, common.WrapError(common.ErrCommitFailed, err, "creating %s", cs.backupDir)
	}
	cs.stageDir = cs.backupDir
	if subcommit {
		cs.stageDir = fh.farm.SubcommitDir()
		if err := os.MkdirAll(cs.stageDir, 0o755); err != nil {
			return nil, common.WrapError(common.ErrCommitFailed, err, "creating %s", cs.stageDir)
		}
	}

	dirPath := filepath.Join(fh.farm.Dir, "BBP.dir")
	cs.oldDirPath = filepath.Join(cs.backupDir, "BBP.dir")
	if _, err := os.Stat(dirPath); err == nil {
		if err := os.Rename(dirPath, cs.oldDirPath); err != nil {
			return nil, common.WrapError(common.ErrCommitFailed, err, "staging old BBP.dir")
		}
	}
	return cs, nil
}

// safeguard implements the per-BAT staging step: set SYNCING, wait out
// UNLOADING, and if the BAT is dirty and EXISTING, back its heap files up
// into the staging dir before they get overwritten.
func (p *Pool) safeguard(cs *commitState, id common.BatID) error {
	s := p.slab.slot(id)
	s.lock()
	s.status.set(StatusSyncing)
	s.spinWaitLocked(StatusUnloading)

	dirty := s.cachePtr != nil && hasAnyDirty(s.cachePtr) && s.status.has(StatusExisting)
	desc := s.descriptor
	physical := s.physicalName
	s.unlock()

	if !dirty || desc == nil {
		return nil
	}
	return p.backup(cs, id, desc, physical)
}

func hasAnyDirty(d *Descriptor) bool {
	for _, h := range d.Heaps {
		if h.Dirty {
			return true
		}
	}
	return false
}

// backup moves or links each dirty heap's on-disk file into the staging
// directory, skipping ones already staged or missing on disk, and drops
// a ".new.kill" marker for copy-on-write heaps so recovery knows to
// delete a half-written ".new" sibling if the process dies mid-save.
func (p *Pool) backup(cs *commitState, id common.BatID, desc *Descriptor, physical string) error {
	for _, h := range desc.Heaps {
		if !h.Dirty {
			continue
		}
		src := physical + "." + h.Ext
		dst := filepath.Join(cs.stageDir, filepath.Base(physical)+"."+h.Ext)

		if _, err := os.Stat(dst); err == nil {
			continue // already staged for this commit
		}
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue // nothing to protect yet
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return common.WrapError(common.ErrCommitFailed, err, "preparing staging dir for bat %d", id)
		}
		if err := os.Link(src, dst); err != nil {
			if err := copyFile(src, dst); err != nil {
				return common.WrapError(common.ErrCommitFailed, err, "backing up %s", src)
			}
		}
		if h.Unstable {
			kill := dst + ".new.kill"
			f, err := os.Create(kill)
			if err != nil {
				return common.WrapError(common.ErrCommitFailed, err, "dropping kill marker for %s", src)
			}
			f.Close()
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	buf := make([]byte, 64*1024)
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			return rerr
		}
		if n == 0 {
			break
		}
	}
	return out.Sync()
}

// publish is the final step of a commit: once every safeguarded BAT has
// been saved and the new BBP.dir has been flushed and fsynced, the
// staging directory is atomically renamed to DELETE_ME/ and then removed
// best-effort.
func (p *Pool) publish(cs *commitState) error {
	deleteMe := cs.farm.farm.DeleteMeDir()
	if err := os.RemoveAll(deleteMe); err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "clearing stale %s", deleteMe)
	}
	if err := os.Rename(cs.backupDir, deleteMe); err != nil {
		return common.WrapError(common.ErrCommitFailed, err, "publishing commit (rename BACKUP->DELETE_ME)")
	}
	_ = os.RemoveAll(deleteMe) // best-effort cleanup; a crash here just leaves garbage for next recovery
	return nil
}
