// Package paths derives every on-disk location from a room's base
// directory. Nothing here touches the filesystem.
package paths

import (
	"net/url"
	"path/filepath"
)

const (
	// TempRoot holds one base directory per project room.
	TempRoot = "/tmp/nclaude"

	// HomeDirName is the per-user directory under $HOME holding the config
	// file, aliases and the global room.
	HomeDirName = ".nclaude"

	// GlobalRoom is the room name of the cross-project room.
	GlobalRoom = "global"
)

// Layout places a room: storage backends are opened on Root and address the
// room by Room, so the room's files live in Root/Room.
type Layout struct {
	Root string `json:"root"`
	Room string `json:"room"`
}

// FromBaseDir splits a room base directory into its Layout.
func FromBaseDir(base string) Layout {
	base = filepath.Clean(base)
	return Layout{Root: filepath.Dir(base), Room: filepath.Base(base)}
}

// Project returns the layout of a project room under TempRoot.
func Project(name string) Layout {
	return Layout{Root: TempRoot, Room: name}
}

// Global returns the layout of the global room for a home directory.
func Global(home string) Layout {
	return Layout{Root: HomeDir(home), Room: GlobalRoom}
}

// BaseDir is the directory holding the room's files.
func (l Layout) BaseDir() string {
	return filepath.Join(l.Root, l.Room)
}

// SocketPath is the hub's Unix socket.
func (l Layout) SocketPath() string {
	return filepath.Join(l.BaseDir(), "hub.sock")
}

// PIDFile is the running hub's pid file.
func (l Layout) PIDFile() string {
	return filepath.Join(l.BaseDir(), "hub.pid")
}

// LockFile is held by the running hub.
func (l Layout) LockFile() string {
	return filepath.Join(l.BaseDir(), "hub.lock")
}

// InboxDir holds one JSONL file per hub client session.
func (l Layout) InboxDir() string {
	return filepath.Join(l.BaseDir(), "inbox")
}

// InboxPath is the inbox file of session.
func (l Layout) InboxPath(session string) string {
	return filepath.Join(l.InboxDir(), url.PathEscape(session)+".jsonl")
}

// HomeDir is ~/.nclaude for the given home directory.
func HomeDir(home string) string {
	return filepath.Join(home, HomeDirName)
}

// ConfigFile is the optional YAML config file.
func ConfigFile(home string) string {
	return filepath.Join(HomeDir(home), "config.yaml")
}

// AliasesFile maps short names to session ids.
func AliasesFile(home string) string {
	return filepath.Join(HomeDir(home), "aliases.json")
}
