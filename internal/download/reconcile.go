package download

import (
	"context"
	"os"
)

// Reconcile runs once at startup and repairs states left mid-flight by an
// unclean exit. Disk size is compared against the remote size per file;
// unfinished artifacts land in paused so the user decides when to resume.
func (m *Manager) Reconcile(ctx context.Context) {
	for _, state := range m.store.All() {
		if state.Status != StatusDownloading && state.Status != StatusPaused {
			continue
		}
		m.log.Info("Reconciling interrupted download", "id", state.UniqueID)

		for name, fp := range state.FileProgress {
			if fp.Complete {
				continue
			}
			localPath := m.localPath(state.UniqueID, name)
			var local int64
			if info, err := os.Stat(localPath); err == nil {
				local = info.Size()
			}

			remote, err := m.hub.RemoteSize(ctx, fp.URL)
			if err != nil {
				// Offline or gone. Trust the disk and move on.
				m.log.Warn("Size probe failed during reconcile", "id", state.UniqueID, "file", name, "error", err)
				fp.Downloaded = local
				continue
			}

			switch {
			case remote > 0 && local >= remote:
				// Disk holds at least the full remote size. Bytes past it
				// are leftovers from an earlier run and get cut off.
				if local > remote {
					if err := os.Truncate(localPath, remote); err != nil {
						m.log.Warn("Truncate failed during reconcile", "id", state.UniqueID, "file", name, "error", err)
					}
				}
				fp.Downloaded = remote
				fp.TotalSize = remote
				fp.Complete = true
			default:
				fp.Downloaded = local
				fp.TotalSize = remote
			}
		}

		state.RecomputeAggregates()
		if state.AllComplete() {
			state.Status = StatusReady
			state.ErrorMessage = ""
		} else {
			state.Status = StatusPaused
		}
		if err := m.store.Put(state); err != nil {
			m.log.Error("Reconcile persist failed", "id", state.UniqueID, "error", err)
		}
	}
}
