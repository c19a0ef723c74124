package git

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckRef(t *testing.T) {
	valid := []string{
		"main",
		"undercity/T1",
		"undercity/550e8400-e29b-41d4-a716-446655440000",
		"abc123def4567890",
		"release-1.2.3",
		"a_b.c",
	}
	for _, ref := range valid {
		require.NoError(t, checkRef(ref), "expected %q to be accepted", ref)
	}

	invalid := []string{
		"",
		"-rf",
		"--upload-pack=/bin/sh",
		"dots..inside",
		"HEAD~1",
		"ref@{1}",
		"rev^",
		"a:b",
		"has space",
		"has\ttab",
		"star*name",
		"quest?ion",
		"back\\slash",
		"brack[et",
		"nul\x00byte",
	}
	for _, ref := range invalid {
		require.Error(t, checkRef(ref), "expected %q to be rejected", ref)
	}
}

func TestCheckBranch(t *testing.T) {
	valid := []string{
		"main",
		"undercity/T1",
		"feature/add-thing",
		"release-1.2.3",
	}
	for _, name := range valid {
		require.NoError(t, checkBranch(name), "expected %q to be accepted", name)
	}

	invalid := []string{
		"/leading",
		"trailing/",
		"double//slash",
		"trailing.",
		"name.lock",
		"-dashed",
		"dots..inside",
	}
	for _, name := range invalid {
		require.Error(t, checkBranch(name), "expected %q to be rejected", name)
	}
}

func TestCheckRemote(t *testing.T) {
	require.NoError(t, checkRemote("origin"))
	require.NoError(t, checkRemote("upstream-2"))

	for _, remote := range []string{"", "-origin", "ori gin", "ori/gin", "nul\x00"} {
		require.Error(t, checkRemote(remote), "expected %q to be rejected", remote)
	}
}

func TestCheckMessage(t *testing.T) {
	require.NoError(t, checkMessage("T1: add helper in util"))
	require.Error(t, checkMessage(""))
	require.Error(t, checkMessage("subject\x00payload"))
}

func TestParseWorktreePorcelain(t *testing.T) {
	output := `worktree /repo
HEAD aaaa1111
branch refs/heads/main

worktree /repo/.worktrees/undercity-T1
HEAD bbbb2222
branch refs/heads/undercity/T1

worktree /repo/.worktrees/detached
HEAD cccc3333
detached`

	worktrees := parseWorktreePorcelain(output)
	require.Len(t, worktrees, 3)

	require.Equal(t, "/repo", worktrees[0].Path)
	require.Equal(t, "aaaa1111", worktrees[0].BaseSHA)
	require.Equal(t, "main", worktrees[0].Branch)

	require.Equal(t, "/repo/.worktrees/undercity-T1", worktrees[1].Path)
	require.Equal(t, "undercity/T1", worktrees[1].Branch)

	require.Equal(t, "/repo/.worktrees/detached", worktrees[2].Path)
	require.Empty(t, worktrees[2].Branch)
}

func TestSplitLines(t *testing.T) {
	require.Nil(t, splitLines(""))
	require.Nil(t, splitLines("  \n \n"))
	require.Equal(t, []string{"a.go", "b.go"}, splitLines("a.go\nb.go\n"))
	require.Equal(t, []string{"a.go"}, splitLines("\n  a.go  \n\n"))
}

func TestPathInsideRepo(t *testing.T) {
	require.True(t, pathInsideRepo("/repo", "/repo/sub/git"))
	require.True(t, pathInsideRepo("/repo", "/repo"))
	require.False(t, pathInsideRepo("/repo", "/repo-sibling/git"))
	require.False(t, pathInsideRepo("/repo", "/usr/bin/git"))
}
