// SPDX-License-Identifier: MPL-2.0

package issue

import (
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Catalogue entries. Ids are stable; add new ones at the end.
const (
	ProbeUnavailableId Id = iota + 1
	TraceShimMissingId
	ConfigLoadFailedId
	InvalidStateId
	CopyFailedId
	CommandLaunchFailedId
)

type (
	// Id identifies a catalogue entry.
	Id int

	// MarkdownMsg is the Markdown body of an issue.
	MarkdownMsg string

	// Issue is one explanation in the catalogue.
	Issue struct {
		id    Id
		name  string
		mdMsg MarkdownMsg
	}
)

var (
	render = glamour.Render

	probeUnavailableIssue = &Issue{
		id:   ProbeUnavailableId,
		name: "probe-unavailable",
		mdMsg: `
# The external probe could not run

packz watches open files from outside the interpreter to catch native
libraries and data files that never pass through the import system. The
configured backend could not be used, so this build only contains what the
trace shim saw.

## Things you can try:
- Install lsof, or point packz at it:
~~~cue
probe: lsof_path: "/usr/sbin/lsof"
~~~

- On Linux, read /proc directly instead:
~~~
$ packz record --probe-backend procfs -- python app.py
~~~

- If the target runs as another user, run packz with matching privileges.`,
	}

	traceShimMissingIssue = &Issue{
		id:   TraceShimMissingId,
		name: "trace-shim-missing",
		mdMsg: `
# No trace events were received

The target exited without reporting a single loaded module. The trace shim
is loaded through PYTHONPATH as ` + "`sitecustomize`" + `, which does not happen when:

- the target is not a Python interpreter (a wrapper script that execs
  something else, for example)
- Python runs with ` + "`-S`" + ` or ` + "`-I`" + `, which skip site customization
- the environment resets PYTHONPATH before Python starts

## Things you can try:
- Run the interpreter directly:
~~~
$ packz record -- python3 app.py
~~~

- Check what the shim sees with verbose logging:
~~~
$ packz record --verbose -- python3 app.py
~~~`,
	}

	configLoadFailedIssue = &Issue{
		id:   ConfigLoadFailedId,
		name: "config-load-failed",
		mdMsg: `
# Failed to load configuration

packz reads, in order: built-in defaults, the CUE config file, the
` + "`[tool.packz]`" + ` table of pyproject.toml, ` + "`PACKZ_*`" + ` environment variables,
then command-line flags. One of the files could not be parsed or did not
match the schema.

## Config file locations:
1. The path given with ` + "`--config`" + `
2. ` + "`$XDG_CONFIG_HOME/packz/config.cue`" + `
3. ` + "`./packz.cue`" + `

## Things you can try:
- Look at the field path in the error message above
- Print the effective configuration:
~~~
$ packz config show
~~~

- Start over from the defaults:
~~~
$ packz config init
~~~

## Example:
~~~cue
record: {
	module_blacklist: ["numpy.tests.*"]
	exclude_stdlib: true
}
build: {
	path: "~/packz_build"
	archive: true
}
~~~`,
	}

	invalidStateIssue = &Issue{
		id:   InvalidStateId,
		name: "invalid-state",
		mdMsg: `
# Session operation out of order

A recording session moves from idle to active to stopped. Copying is only
possible once recording has stopped, and a session can only be reset when
it is not recording.

This is a usage error in code driving the session API. The packz CLI always
performs the steps in order; if you see this from the CLI, please report it.`,
	}

	copyFailedIssue = &Issue{
		id:   CopyFailedId,
		name: "copy-failed",
		mdMsg: `
# Some files could not be copied

Every retained file gets its own copy result. Failures do not stop the
build; they are listed in ` + "`.packz/failed.txt`" + ` in the build directory.

## Common causes:
- **skipped-missing**: the file was deleted after the program loaded it
  (temporary files, caches)
- **failed-permission**: the file is not readable by the current user
- **failed-other**: two sources map to the same destination, or the disk
  is full

## Things you can try:
- Blacklist transient files:
~~~cue
record: file_blacklist: ["/tmp/**", "**/__pycache__/**"]
~~~

- Add an anchor root so that files from different trees stop colliding:
~~~cue
build: anchor_roots: ["~/src/myproject"]
~~~`,
	}

	commandLaunchFailedIssue = &Issue{
		id:   CommandLaunchFailedId,
		name: "command-launch-failed",
		mdMsg: `
# The target command could not be started

## Things you can try:
- Check that the interpreter is on PATH:
~~~
$ command -v python3
~~~

- Quote the command as one string:
~~~
$ packz record --command "python3 app.py --port 8080"
~~~

- Or pass it after a double dash so packz does not read its flags:
~~~
$ packz record -- python3 app.py --verbose
~~~`,
	}

	issues = map[Id]*Issue{
		probeUnavailableIssue.Id():    probeUnavailableIssue,
		traceShimMissingIssue.Id():    traceShimMissingIssue,
		configLoadFailedIssue.Id():    configLoadFailedIssue,
		invalidStateIssue.Id():        invalidStateIssue,
		copyFailedIssue.Id():          copyFailedIssue,
		commandLaunchFailedIssue.Id(): commandLaunchFailedIssue,
	}
)

// String returns the kebab-case name used on the command line.
func (id Id) String() string {
	if i, ok := issues[id]; ok {
		return i.name
	}
	return "unknown"
}

// Id returns the issue's identifier.
func (i *Issue) Id() Id { return i.id }

// Name returns the kebab-case name.
func (i *Issue) Name() string { return i.name }

// MarkdownMsg returns the raw Markdown body.
func (i *Issue) MarkdownMsg() MarkdownMsg { return i.mdMsg }

// Title returns the first heading of the body.
func (i *Issue) Title() string {
	for line := range strings.Lines(string(i.mdMsg)) {
		if title, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			return title
		}
	}
	return i.name
}

// Render renders the body for the terminal with the given glamour style
// ("dark", "light", "notty", or a path to a JSON style).
func (i *Issue) Render(stylePath string) (string, error) {
	return render(string(i.mdMsg), stylePath)
}

// Values returns every issue ordered by Id.
func Values() []*Issue {
	return slices.SortedFunc(maps.Values(issues), func(a, b *Issue) int {
		return int(a.id) - int(b.id)
	})
}

// Get returns the issue for id, or nil.
func Get(id Id) *Issue {
	return issues[id]
}

// Lookup finds an issue by its kebab-case name.
func Lookup(name string) (*Issue, bool) {
	for _, i := range issues {
		if i.name == name {
			return i, true
		}
	}
	return nil, false
}
