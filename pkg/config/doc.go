// Package config loads the workspace file and the manifests that describe
// the desired entry graph.
//
// # Workspace
//
// A workspace is configured by stateful.yaml:
//
//	name: platform
//	backend:
//	  type: sqlite
//	  path: .stateful/state.db
//	manifests:
//	  - manifests
//	policy:
//	  dir: policies
//	  builtins: true
//	  mass_deletion_threshold: 10
//	parallelism: 4
//	handlers:
//	  - type: bucket
//	    kind: script
//	    path: handlers/bucket.star
//	    immutable: [region]
//
// LoadWorkspace parses the file with yaml.v3 and validates it with struct
// tags and the built-in CUE Handler schema. Relative paths resolve against
// the directory holding the file.
//
// # Manifests
//
// ManifestLoader reads .cue, .yaml, .yml, .json and .star files. Each
// carries a top-level entries field, either a list or a map keyed by ID:
//
//	entries: {
//	    network: {
//	        type: "net"
//	        parameters: cidr: "10.0.0.0/16"
//	    }
//	    server: {
//	        type:       "vm"
//	        depends_on: ["network"]
//	        parameters: size: "small"
//	    }
//	}
//
// CUE files in one directory are built as a single instance. Starlark
// manifests assign a list or dict to the global entries and may read the
// workspace variables. Every entry is checked against the CUE Entry schema;
// duplicate IDs and unknown dependencies are reported with file positions
// as ValidationError values.
//
// # Watching
//
// Watcher coalesces fsnotify events on manifest and policy files and calls
// back once the burst settles. It drives "stateful plan --watch".
package config
