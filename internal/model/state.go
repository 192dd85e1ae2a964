package model

import "time"

// SyncState is the pending-sync state of a single entity.
type SyncState string

const (
	StateClean   SyncState = "clean"   // remote id set, no local mutation since last sync
	StateDirty   SyncState = "dirty"   // local mutation not yet confirmed remotely
	StateSyncing SyncState = "syncing" // transient, held only while an upsert runs
)

// State derives the persisted state. Syncing is never persisted; callers
// track it for the duration of an upsert.
func (e *Entity) State() SyncState {
	if e.PendingSync || !e.Synced() {
		return StateDirty
	}
	return StateClean
}

// MarkDirty records a local mutation.
func (e *Entity) MarkDirty(now time.Time) {
	e.PendingSync = true
	e.UpdatedAt = now
}

// ConfirmedPatch builds the patch persisted after the remote platform
// confirmed an upsert: remote id, cleared flag, sync timestamp and media.
// seen is the UpdatedAt the sync read; a newer local mutation stays pending.
func ConfirmedPatch(remoteID int64, seen, now time.Time, image *Image, gallery []Image) Patch {
	pending := false
	p := Patch{RemoteID: &remoteID, PendingSync: &pending, LastSync: &now, Image: image, SyncStartedAt: &seen}
	if gallery != nil {
		g := gallery
		p.Gallery = &g
	}
	return p
}

// MediaPatch persists uploaded media without confirming the entity itself.
func MediaPatch(image *Image, gallery []Image) Patch {
	p := Patch{Image: image}
	if gallery != nil {
		g := gallery
		p.Gallery = &g
	}
	return p
}
