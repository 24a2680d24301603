package db

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/onnwee/scene-switcher/crypto"
)

// eachDialect runs fn against a fresh SQLite file and, when TEST_PG_DSN is
// set, against Postgres with emptied tables.
func eachDialect(t *testing.T, fn func(t *testing.T, d *DB)) {
	t.Run("sqlite", func(t *testing.T) {
		d, err := Connect(context.Background(), "file:"+filepath.Join(t.TempDir(), "test.db"))
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() { _ = d.Close() })
		if err := Migrate(context.Background(), d); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		fn(t, d)
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("TEST_PG_DSN")
		if dsn == "" {
			t.Skip("TEST_PG_DSN not set")
		}
		d, err := Connect(context.Background(), dsn)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}
		t.Cleanup(func() { _ = d.Close() })
		if err := Migrate(context.Background(), d); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		for _, tbl := range []string{"oauth_tokens", "kv", "redemptions"} {
			if _, err := d.Exec("DELETE FROM " + tbl); err != nil {
				t.Fatalf("clean %s: %v", tbl, err)
			}
		}
		fn(t, d)
	})
}

func testSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	s, err := crypto.NewSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDialectFor(t *testing.T) {
	tests := map[string]Dialect{
		"postgres://u:p@localhost/db":   Postgres,
		"POSTGRESQL://u@localhost/db":   Postgres,
		"file:scene-switcher.db":        SQLite,
		"/var/lib/scene-switcher.db":    SQLite,
		":memory:":                      SQLite,
	}
	for dsn, want := range tests {
		if got := DialectFor(dsn); got != want {
			t.Errorf("DialectFor(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{Dialect: Postgres}
	if got := pg.Rebind("SELECT a FROM t WHERE b = ? AND c IN (?, ?)"); got != "SELECT a FROM t WHERE b = $1 AND c IN ($2, $3)" {
		t.Errorf("postgres Rebind = %q", got)
	}
	lite := &DB{Dialect: SQLite}
	if got := lite.Rebind("x = ?"); got != "x = ?" {
		t.Errorf("sqlite Rebind = %q", got)
	}
}

func TestSqliteDSN(t *testing.T) {
	if got := sqliteDSN("file:a.db"); got != "file:a.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" {
		t.Errorf("sqliteDSN = %q", got)
	}
	if got := sqliteDSN("file:a.db?mode=rwc"); got != "file:a.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" {
		t.Errorf("sqliteDSN with query = %q", got)
	}
	if got := sqliteDSN("file:a.db?_pragma=foreign_keys(1)"); got != "file:a.db?_pragma=foreign_keys(1)" {
		t.Errorf("sqliteDSN with pragma = %q", got)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	eachDialect(t, func(t *testing.T, d *DB) {
		for i := 0; i < 3; i++ {
			if err := Migrate(context.Background(), d); err != nil {
				t.Fatalf("migrate run %d: %v", i, err)
			}
		}
	})
}

func TestCredentialStoreRoundTrip(t *testing.T) {
	for _, sealed := range []bool{false, true} {
		name := "plaintext"
		if sealed {
			name = "sealed"
		}
		t.Run(name, func(t *testing.T) {
			eachDialect(t, func(t *testing.T, d *DB) {
				ctx := context.Background()
				var sealer *crypto.Sealer
				if sealed {
					sealer = testSealer(t)
				}
				store := NewCredentialStore(d, sealer)

				if _, err := store.Load(ctx); !errors.Is(err, ErrNoCredentials) {
					t.Fatalf("Load() on empty store error = %v, want ErrNoCredentials", err)
				}

				tok := Token{AccessToken: "access", RefreshToken: "refresh", Expiry: time.Now().Add(time.Hour).Truncate(time.Second), Scope: "channel:read:redemptions"}
				if err := store.SaveToken(ctx, tok); err != nil {
					t.Fatalf("SaveToken() error: %v", err)
				}
				// Token without identity is not a usable login.
				if _, err := store.Load(ctx); !errors.Is(err, ErrNoCredentials) {
					t.Fatalf("Load() without broadcaster error = %v, want ErrNoCredentials", err)
				}
				if err := store.SetBroadcaster(ctx, "1234", "streamer"); err != nil {
					t.Fatalf("SetBroadcaster() error: %v", err)
				}

				got, err := store.Load(ctx)
				if err != nil {
					t.Fatalf("Load() error: %v", err)
				}
				want := Credentials{Token: tok, BroadcasterUserID: "1234", Login: "streamer"}
				if diff := cmp.Diff(want, got, cmpopts.EquateApproxTime(time.Second)); diff != "" {
					t.Errorf("credentials mismatch (-want +got):\n%s", diff)
				}

				var raw string
				if err := d.QueryRow(d.Rebind(`SELECT access_token FROM oauth_tokens WHERE provider = ?`), "twitch").Scan(&raw); err != nil {
					t.Fatal(err)
				}
				if sealed == (raw == "access") {
					t.Errorf("stored access token %q, sealed=%v", raw, sealed)
				}

				// Refresh overwrites in place.
				tok.AccessToken = "access-2"
				if err := store.UpdateToken(ctx, tok); err != nil {
					t.Fatal(err)
				}
				if got, _ := store.LoadToken(ctx); got.AccessToken != "access-2" {
					t.Errorf("after refresh access = %q", got.AccessToken)
				}

				if err := store.Clear(ctx); err != nil {
					t.Fatalf("Clear() error: %v", err)
				}
				if _, err := store.Load(ctx); !errors.Is(err, ErrNoCredentials) {
					t.Fatalf("Load() after Clear error = %v, want ErrNoCredentials", err)
				}
				if err := store.UpdateToken(ctx, tok); !errors.Is(err, ErrNoCredentials) {
					t.Fatalf("UpdateToken() after Clear error = %v, want ErrNoCredentials", err)
				}
				if _, err := store.LoadToken(ctx); !errors.Is(err, ErrNoCredentials) {
					t.Fatalf("UpdateToken() recreated a cleared token: %v", err)
				}
			})
		})
	}
}

func TestSealedTokenNeedsKey(t *testing.T) {
	eachDialect(t, func(t *testing.T, d *DB) {
		ctx := context.Background()
		if err := NewCredentialStore(d, testSealer(t)).SaveToken(ctx, Token{AccessToken: "a"}); err != nil {
			t.Fatal(err)
		}
		if _, err := NewCredentialStore(d, nil).LoadToken(ctx); err == nil {
			t.Fatal("LoadToken() without key succeeded on sealed row")
		}
		if _, err := NewCredentialStore(d, testSealer(t)).LoadToken(ctx); !errors.Is(err, crypto.ErrOpen) {
			t.Fatalf("LoadToken() with wrong key error = %v, want ErrOpen", err)
		}
	})
}

func TestKV(t *testing.T) {
	eachDialect(t, func(t *testing.T, d *DB) {
		ctx := context.Background()
		if v, err := d.GetKV(ctx, "missing"); v != "" || err != nil {
			t.Fatalf("GetKV(missing) = %q, %v", v, err)
		}
		if err := d.SetKV(ctx, "k", "v1"); err != nil {
			t.Fatal(err)
		}
		if err := d.SetKV(ctx, "k", "v2"); err != nil {
			t.Fatal(err)
		}
		if v, _ := d.GetKV(ctx, "k"); v != "v2" {
			t.Fatalf("GetKV(k) = %q, want v2", v)
		}
	})
}

func TestHistory(t *testing.T) {
	eachDialect(t, func(t *testing.T, d *DB) {
		ctx := context.Background()
		h := NewHistory(d)
		base := time.Now().Add(-time.Hour).Truncate(time.Millisecond)
		for i, outcome := range []string{"matched", "no_match", "disabled"} {
			e := Entry{ReceivedAt: base.Add(time.Duration(i) * time.Minute), RewardID: "R1", UserName: "viewer", Outcome: outcome, TargetScene: "Gameplay"}
			if err := h.Record(ctx, e); err != nil {
				t.Fatalf("Record() error: %v", err)
			}
		}

		got, err := h.Recent(ctx, 2)
		if err != nil {
			t.Fatalf("Recent() error: %v", err)
		}
		if len(got) != 2 || got[0].Outcome != "disabled" || got[1].Outcome != "no_match" {
			t.Fatalf("Recent(2) = %+v, want newest first", got)
		}
		if got[0].ID == "" || !got[0].ReceivedAt.Equal(base.Add(2*time.Minute)) {
			t.Errorf("entry id/time not persisted: %+v", got[0])
		}

		n, err := h.Prune(ctx, base.Add(90*time.Second))
		if err != nil || n != 2 {
			t.Fatalf("Prune() = %d, %v; want 2", n, err)
		}
		all, _ := h.Recent(ctx, 0)
		if len(all) != 1 {
			t.Fatalf("after prune %d entries, want 1", len(all))
		}
	})
}
