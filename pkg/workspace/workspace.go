// Package workspace holds the collaborators the tool loops act on: a
// filesystem, a process runner and a progress sink.
//
// Two implementations exist for the first two. OSFileSystem and HostRunner
// work on a real directory; MemoryFS and MockRunner back mock mode, where
// shell scaffolding is refused and the model has to write every file with
// create_file.
package workspace
