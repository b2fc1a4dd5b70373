//go:build linux

package sshtest

import (
	"os"
	"path/filepath"
)

// fakeSu prompts for a password with echo off and, when it matches
// REXEC_TEST_SU_SECRET, replaces itself with the requested shell running as the target
// user (as far as the fake id can tell).
const fakeSu = `#!/bin/sh
shell=/bin/sh
user=root
while [ $# -gt 0 ]; do
	case "$1" in
	-s) shell=$2; shift 2 ;;
	-|-l) shift ;;
	*) user=$1; shift ;;
	esac
done
saved=$(stty -g 2>/dev/null)
stty -echo 2>/dev/null
printf 'Password: '
IFS= read -r pw
[ -n "$saved" ] && stty "$saved" 2>/dev/null
printf '\n'
if [ -z "$REXEC_TEST_SU_SECRET" ] || [ "$pw" != "$REXEC_TEST_SU_SECRET" ]; then
	echo "su: Authentication failure" >&2
	exit 1
fi
REXEC_TEST_USER=$user
export REXEC_TEST_USER
exec "$shell"
`

// fakeID answers `id -un` from REXEC_TEST_USER.
const fakeID = `#!/bin/sh
if [ "$1" = "-un" ] || [ "$1" = "-nu" ]; then
	echo "$REXEC_TEST_USER"
	exit 0
fi
for p in /usr/bin/id /bin/id; do
	[ -x "$p" ] && exec "$p" "$@"
done
exit 1
`

func writeHelpers(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "su"), []byte(fakeSu), 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "id"), []byte(fakeID), 0o755)
}
