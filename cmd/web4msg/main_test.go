package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type cli struct {
	t  *testing.T
	db string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("WEB4MSG_CONFIG", filepath.Join(t.TempDir(), "none.yaml"))
	t.Setenv("WEB4MSG_STORE", "")
	t.Setenv("WEB4MSG_BATCH_TIMEOUT", "5ms")
	return &cli{t: t, db: filepath.Join(t.TempDir(), "shared.db")}
}

func (c *cli) run(home string, args ...string) (string, string, int) {
	c.t.Helper()
	full := append([]string{"--home", home, "--store", "sqlite", "--sqlite", c.db}, args...)
	var stdout, stderr syncBuffer
	code := run(full, &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func (c *cli) ok(home string, args ...string) string {
	c.t.Helper()
	out, errOut, code := c.run(home, args...)
	if code != 0 {
		c.t.Fatalf("%v failed (%d): %s", args, code, errOut)
	}
	return out
}

func TestDirectMessageFlow(t *testing.T) {
	c := newCLI(t)
	homeA, homeB := t.TempDir(), t.TempDir()
	idA := strings.TrimSpace(c.ok(homeA, "keygen"))
	idB := strings.TrimSpace(c.ok(homeB, "keygen"))
	if idA == "" || idB == "" || idA == idB {
		t.Fatalf("unexpected ids %q %q", idA, idB)
	}

	if out := c.ok(homeB, "user", "register", "Bob"); !strings.Contains(out, "registered bob") {
		t.Fatalf("register output: %q", out)
	}
	if out := c.ok(homeA, "user", "search", "bob"); strings.TrimSpace(out) != idB {
		t.Fatalf("search returned %q, want %q", out, idB)
	}
	if out := c.ok(homeA, "send", "--to", "@bob", "--msg", "hi"); !strings.HasPrefix(out, "sent id=") {
		t.Fatalf("send output: %q", out)
	}

	out := c.ok(homeB, "listen", "--for", "500ms")
	if !strings.Contains(out, "from="+idA) || !strings.Contains(out, "index=0 hi") {
		t.Fatalf("listen output: %q", out)
	}

	who := c.ok(homeB, "whoami")
	if !strings.Contains(who, "id="+idB) || !strings.Contains(who, "username=bob") {
		t.Fatalf("whoami output: %q", who)
	}
}

func TestGroupFlow(t *testing.T) {
	c := newCLI(t)
	homeA, homeB := t.TempDir(), t.TempDir()
	c.ok(homeA, "keygen")
	idB := strings.TrimSpace(c.ok(homeB, "keygen"))
	c.ok(homeB, "whoami")

	out := c.ok(homeA, "group", "create", "--name", "team", "--member", idB)
	gid := strings.TrimSpace(strings.TrimPrefix(out, "group="))
	if gid == "" || gid == strings.TrimSpace(out) {
		t.Fatalf("create output: %q", out)
	}
	c.ok(homeA, "group", "send", "--group", gid, "--msg", "hello team")

	out = c.ok(homeB, "group", "listen", "--group", gid, "--for", "500ms")
	if !strings.Contains(out, "group="+gid) || !strings.Contains(out, "hello team") {
		t.Fatalf("group listen output: %q", out)
	}
}

func TestErrors(t *testing.T) {
	c := newCLI(t)
	home := t.TempDir()
	if _, errOut, code := c.run(home, "whoami"); code == 0 || !strings.Contains(errOut, "keygen") {
		t.Fatalf("whoami without identity: code=%d stderr=%q", code, errOut)
	}
	c.ok(home, "keygen")
	if _, errOut, code := c.run(home, "send", "--to", "@nobody", "--msg", "x"); code == 0 || !strings.Contains(errOut, "unknown user") {
		t.Fatalf("send to unknown user: code=%d stderr=%q", code, errOut)
	}
	if _, _, code := c.run(home, "send", "--to", "tooshort", "--msg", "x"); code == 0 {
		t.Fatalf("expected validation failure")
	}
	if _, _, code := c.run(home, "--store", "tape", "whoami"); code == 0 {
		t.Fatalf("expected unknown backend failure")
	}
}
