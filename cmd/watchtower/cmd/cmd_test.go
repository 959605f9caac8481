package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/watchtower/config"
	"github.com/jmcleod/watchtower/navlink"
)

func execute(t *testing.T, stateDir string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--state-dir", stateDir}, args...))
	err := root.Execute()
	return out.String(), err
}

func resolve(t *testing.T, stateDir string, args ...string) resolveOutput {
	t.Helper()
	out, err := execute(t, stateDir, append([]string{"link", "resolve"}, args...)...)
	require.NoError(t, err)
	var got resolveOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	return got
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestLinkEncodeDecode(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "link", "encode", "equipment", "eq-42")
	require.NoError(t, err)
	fragment := strings.TrimSpace(out)
	assert.True(t, strings.HasPrefix(fragment, "#"+navlink.HashPrefix), fragment)

	out, err = execute(t, dir, "link", "decode", fragment)
	require.NoError(t, err)
	var got targetOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, targetOutput{Profile: "equipment", EntityID: "eq-42"}, got)
}

func TestLinkRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, dir, "link", "encode", "spaceship", "x")
	assert.ErrorIs(t, err, navlink.ErrUnknownProfile)

	_, err = execute(t, dir, "link", "push", "event", "")
	assert.ErrorIs(t, err, navlink.ErrEmptyEntityID)

	_, err = execute(t, dir, "link", "decode", "#somewhere-else")
	assert.Error(t, err)
}

func TestLinkPushResolve(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, "empty", resolve(t, dir, "event").State)

	_, err := execute(t, dir, "link", "push", "event", "ev-7")
	require.NoError(t, err)

	// Another profile never sees it.
	assert.Equal(t, "empty", resolve(t, dir, "organization").State)

	got := resolve(t, dir, "event")
	assert.Equal(t, resolveOutput{Profile: "event", State: "resolved", ExternalID: "ev-7"}, got)

	// The plain resolve left the target in place; --clear consumes it.
	assert.Equal(t, "ev-7", resolve(t, dir, "event", "--clear").ExternalID)
	assert.Equal(t, "empty", resolve(t, dir, "event").State)
}

func TestLinkResolvePrefersFragment(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, dir, "link", "push", "installation", "stored")
	require.NoError(t, err)

	hash := navlink.EncodeHash(navlink.Target{Profile: navlink.ProfileInstallation, EntityID: "from-hash"})
	got := resolve(t, dir, "installation", "--hash", hash)
	assert.Equal(t, "from-hash", got.ExternalID)
}

func TestCookiesPersistAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	base, err := url.Parse("http://localhost:8443")
	require.NoError(t, err)

	state, err := openClientState(dir)
	require.NoError(t, err)
	jar, err := newCookieJar(nil)
	require.NoError(t, err)
	jar.SetCookies(base, []*http.Cookie{{Name: "session", Value: "abc", Path: "/"}})
	require.NoError(t, state.saveCookies(jar, base))
	require.NoError(t, state.Close())

	state, err = openClientState(dir)
	require.NoError(t, err)
	restored, err := newCookieJar(nil)
	require.NoError(t, err)
	require.NoError(t, state.restoreCookies(restored, base))
	cookies := restored.Cookies(base)
	require.Len(t, cookies, 1)
	assert.Equal(t, "abc", cookies[0].Value)

	// A cleared cookie is forgotten, and an empty jar clears the entry.
	restored.SetCookies(base, []*http.Cookie{{Name: "session", Path: "/", MaxAge: -1}})
	require.NoError(t, state.saveCookies(restored, base))
	again, err := newCookieJar(nil)
	require.NoError(t, err)
	require.NoError(t, state.restoreCookies(again, base))
	assert.Empty(t, again.Cookies(base))
	require.NoError(t, state.Close())
}

func TestCookiesKeepAttributesAcrossRuns(t *testing.T) {
	// The inner jar checks Expires against wall time, so start from now.
	fc := clockwork.NewFakeClockAt(time.Now())
	base, err := url.Parse("https://sso.example.test")
	require.NoError(t, err)
	plain, err := url.Parse("http://sso.example.test")
	require.NoError(t, err)

	state, err := openClientState(t.TempDir())
	require.NoError(t, err)
	defer state.Close()

	jar, err := newCookieJar(fc)
	require.NoError(t, err)
	jar.SetCookies(base, []*http.Cookie{
		{Name: "session", Value: "s1", Path: "/", Secure: true, HttpOnly: true},
		{Name: "access", Value: "a1", Path: "/", Secure: true, MaxAge: 60},
		{Name: "csrf", Value: "c1", Path: "/", Expires: fc.Now().Add(time.Hour)},
	})
	require.NoError(t, state.saveCookies(jar, base))

	// Past the access cookie's lifetime.
	fc.Advance(2 * time.Minute)
	restored, err := newCookieJar(fc)
	require.NoError(t, err)
	require.NoError(t, state.restoreCookies(restored, base))

	names := func(cs []*http.Cookie) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.Name)
		}
		return out
	}
	assert.ElementsMatch(t, []string{"session", "csrf"}, names(restored.Cookies(base)))
	// Secure cookies are never replayed over plain HTTP.
	assert.Equal(t, []string{"csrf"}, names(restored.Cookies(plain)))

	live := restored.live(base.Host)
	require.Len(t, live, 2)
	assert.Equal(t, "csrf", live[0].Name)
	assert.Equal(t, fc.Now().Add(58*time.Minute).Unix(), live[0].Expires)
	assert.Equal(t, savedCookie{Name: "session", Value: "s1", Path: "/", Secure: true, HttpOnly: true}, live[1])
}

func TestNewLogger(t *testing.T) {
	_, err := newLogger(io.Discard, "debug")
	require.NoError(t, err)
	_, err = newLogger(io.Discard, "loud")
	assert.Error(t, err)
}

func TestReadPassword(t *testing.T) {
	buf, err := readPassword(strings.NewReader("hunter22\nrest"))
	require.NoError(t, err)
	defer buf.Destroy()
	assert.Equal(t, "hunter22", buf.String())
}

func TestDecodeSigningKey(t *testing.T) {
	key, err := decodeSigningKey(strings.Repeat("ab", 32) + "\n")
	require.NoError(t, err)
	defer key.Destroy()
	assert.Equal(t, 32, key.Size())

	_, err = decodeSigningKey("abcd")
	assert.Error(t, err)
	_, err = decodeSigningKey("not hex")
	assert.Error(t, err)
}

func TestLoadSigningKeyCreatesKeyFile(t *testing.T) {
	cfg := config.Server{DataDir: t.TempDir()}
	first, err := loadSigningKey(cfg)
	require.NoError(t, err)
	defer first.Destroy()

	info, err := os.Stat(filepath.Join(cfg.DataDir, signingKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second, err := loadSigningKey(cfg)
	require.NoError(t, err)
	defer second.Destroy()
	assert.Equal(t, first.Bytes(), second.Bytes())

	cfg.SigningKey = strings.Repeat("01", 32)
	explicit, err := loadSigningKey(cfg)
	require.NoError(t, err)
	defer explicit.Destroy()
	assert.NotEqual(t, first.Bytes(), explicit.Bytes())
}
