// Command vaultctl is the operator CLI for the local secret store.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/termhold/vaultcore/internal/backup"
	"github.com/termhold/vaultcore/internal/errs"
	"github.com/termhold/vaultcore/internal/identity"
	"github.com/termhold/vaultcore/internal/model"
	"github.com/termhold/vaultcore/internal/replication"
	"github.com/termhold/vaultcore/internal/sharing"
	"github.com/termhold/vaultcore/internal/storage"
	"github.com/termhold/vaultcore/internal/vault"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// ---- paths ----

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "vaultcore")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "vaultcore")
}

func defaultDBPath() string { return filepath.Join(cfgDir(), "vault.db") }

// ---- prompts ----

// promptPassword reads without echo from a terminal; VAULTCORE_PASSWORD
// overrides for scripting.
func promptPassword(prompt string) (string, error) {
	if v := os.Getenv("VAULTCORE_PASSWORD"); v != "" {
		return v, nil
	}
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

func promptPasswordConfirm(prompt string) (string, error) {
	first, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}
	if os.Getenv("VAULTCORE_PASSWORD") != "" {
		return first, nil
	}
	second, err := promptPassword("Confirm: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

// ---- app wiring ----

type app struct {
	store  *storage.Store
	ids    *identity.Manager
	vaults *vault.Service
	repl   *replication.Client
	shares *sharing.Engine
	log    *zap.Logger
}

func openApp(dbPath, endpoint string, verbose bool) (*app, func(), error) {
	log := zap.NewNop()
	if verbose {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return nil, nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, nil, err
	}
	store, err := storage.Open(dbPath)
	if err != nil {
		return nil, nil, err
	}

	vaults := vault.NewService(store, log)
	vaults.DefaultRemoteEndpoint = endpoint
	repl := replication.NewClient(store, nil, log)
	a := &app{
		store:  store,
		ids:    identity.NewManager(store, identity.OSKeyring{}, log),
		vaults: vaults,
		repl:   repl,
		shares: sharing.NewEngine(vaults, repl, log),
		log:    log,
	}
	closer := func() {
		a.vaults.LockAll()
		_ = store.Close()
		_ = log.Sync()
	}
	return a, closer, nil
}

// session opens the identity: keyring first, password prompt as fallback.
func (a *app) session(ctx context.Context) (*identity.Session, error) {
	s, ok, err := a.ids.AutoUnlock(ctx)
	if err == nil && ok {
		return s, nil
	}
	if err != nil && !errors.Is(err, errs.ErrIdentityUnopenable) {
		return nil, err
	}
	pw, err := promptPassword("Password: ")
	if err != nil {
		return nil, err
	}
	s, ok, err = a.ids.Unlock(ctx, pw)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("wrong password")
	}
	return s, nil
}

// unlocked returns a session with the given vault's DEK cached.
func (a *app) unlocked(ctx context.Context, vaultID uuid.UUID) (*identity.Session, error) {
	s, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	if err := a.vaults.Unlock(s, vaultID); err != nil {
		s.Teardown()
		return nil, err
	}
	return s, nil
}

// ---- utils ----

func mustUUID(s, what string) uuid.UUID {
	id, err := uuid.FromString(s)
	if err != nil {
		fail(fmt.Errorf("bad %s %q: %w", what, s, err))
	}
	return id
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func need(fs *flag.FlagSet, vals map[string]string) {
	for name, v := range vals {
		if v == "" {
			fmt.Fprintf(os.Stderr, "need -%s\n", name)
			fs.Usage()
			os.Exit(2)
		}
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `vaultctl
Usage:
  vaultctl [-db file] [-endpoint url] [-v] <cmd> [args]

Identity:
  init            [-keyring]                     create the local identity
  unlock                                         cache the KEK in the OS keyring
  lock                                           drop the cached KEK
  status
  import-identity -key <base64>
  export-identity
  passwd

Vaults:
  vault create    -name <n> [-kind private|shared] [-endpoint url]
  vault list
  vault rm        -vault <uuid>

Secrets:
  add             -vault <uuid> -name <n> [-category <c>] -file <path|->
  get             -vault <uuid> -id <uuid>
  ls              -vault <uuid>
  rm              -vault <uuid> -id <uuid>

Sharing:
  invite          -vault <uuid> -user <uuid> -pub <base64> [-role member|admin]
  accept-invite   -endpoint <url> -credential <jwt>
  share           -vault <uuid> -id <uuid> -user <uuid> -pub <base64> [-ttl <dur>]
  accept-share    -share <uuid> -vault <uuid>
  revoke-share    -share <uuid>

Sync and backup:
  sync            -vault <uuid>
  export          -out <file>
  preview         -in <file>
  import          -in <file> [-rewrap]
`)
	os.Exit(2)
}

// ---- main ----

func main() {
	dbPath := flag.String("db", defaultDBPath(), "database file")
	endpoint := flag.String("endpoint", "", "default remote endpoint for shared vaults")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	if cmd == "version" {
		fmt.Printf("vaultctl %s (%s)\n", version, buildDate)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, closeApp, err := openApp(*dbPath, *endpoint, *verbose)
	if err != nil {
		fail(err)
	}
	defer closeApp()

	switch cmd {

	case "init":
		fs := flag.NewFlagSet("init", flag.ExitOnError)
		useKeyring := fs.Bool("keyring", false, "protect with the OS keyring instead of a password")
		_ = fs.Parse(args)

		pw := ""
		if !*useKeyring {
			pw, err = promptPasswordConfirm("New password: ")
			if err != nil {
				fail(err)
			}
		}
		userID, err := a.ids.Init(ctx, pw)
		if err != nil {
			fail(err)
		}
		fmt.Println(userID)

	case "unlock":
		pw, err := promptPassword("Password: ")
		if err != nil {
			fail(err)
		}
		ok, err := a.ids.EnableAutoUnlock(ctx, pw)
		if err != nil {
			fail(err)
		}
		if !ok {
			fail(errors.New("wrong password"))
		}
		fmt.Println("ok")

	case "lock":
		a.vaults.LockAll()
		if err := a.ids.DisableAutoUnlock(); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "status":
		rec, err := a.store.GetIdentity()
		if errors.Is(err, errs.ErrNotFound) {
			fmt.Println("no identity (run init)")
			return
		}
		if err != nil {
			fail(err)
		}
		vaults, err := a.vaults.List()
		if err != nil {
			fail(err)
		}
		fmt.Printf("user: %s\nprotection: %s\nvaults: %d\n", rec.UserID, rec.Protection, len(vaults))

	case "import-identity":
		fs := flag.NewFlagSet("import-identity", flag.ExitOnError)
		key := fs.String("key", "", "exported identity key (base64)")
		_ = fs.Parse(args)
		need(fs, map[string]string{"key": *key})

		pw, err := promptPasswordConfirm("New password: ")
		if err != nil {
			fail(err)
		}
		userID, err := a.ids.Import(ctx, *key, pw)
		if err != nil {
			fail(err)
		}
		fmt.Println(userID)

	case "export-identity":
		s, err := a.session(ctx)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		exported, err := a.ids.Export(s)
		if err != nil {
			fail(err)
		}
		fmt.Println(exported)

	case "passwd":
		s, err := a.session(ctx)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		pw, err := promptPasswordConfirm("New password: ")
		if err != nil {
			fail(err)
		}
		if err := a.ids.ChangePassword(ctx, s, pw); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "vault":
		if len(args) < 1 {
			usage()
		}
		runVault(ctx, a, args[0], args[1:])

	case "add":
		fs := flag.NewFlagSet("add", flag.ExitOnError)
		vaultID := fs.String("vault", "", "vault id")
		name := fs.String("name", "", "secret name")
		category := fs.String("category", "", "secret category")
		file := fs.String("file", "", "plaintext file ('-'=stdin)")
		_ = fs.Parse(args)
		need(fs, map[string]string{"vault": *vaultID, "name": *name, "file": *file})

		plaintext, err := readAll(*file)
		if err != nil {
			fail(err)
		}
		vid := mustUUID(*vaultID, "vault id")
		s, err := a.unlocked(ctx, vid)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		id, err := a.vaults.CreateSecret(vid, *name, *category, plaintext)
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "get":
		fs := flag.NewFlagSet("get", flag.ExitOnError)
		vaultID := fs.String("vault", "", "vault id")
		id := fs.String("id", "", "secret id")
		_ = fs.Parse(args)
		need(fs, map[string]string{"vault": *vaultID, "id": *id})

		vid := mustUUID(*vaultID, "vault id")
		s, err := a.unlocked(ctx, vid)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		plaintext, err := a.vaults.ReadSecret(vid, mustUUID(*id, "secret id"))
		if err != nil {
			fail(err)
		}
		_, _ = os.Stdout.Write(plaintext)

	case "ls":
		fs := flag.NewFlagSet("ls", flag.ExitOnError)
		vaultID := fs.String("vault", "", "vault id")
		_ = fs.Parse(args)
		need(fs, map[string]string{"vault": *vaultID})

		// Metadata listing works on a locked vault.
		metas, err := a.vaults.ListSecrets(mustUUID(*vaultID, "vault id"))
		if err != nil {
			fail(err)
		}
		for _, m := range metas {
			fmt.Printf("%s\t%s\t%s\t%s\n", m.SecretID, m.Name, m.Category, m.UpdatedAt.Format(time.RFC3339))
		}

	case "rm":
		fs := flag.NewFlagSet("rm", flag.ExitOnError)
		vaultID := fs.String("vault", "", "vault id")
		id := fs.String("id", "", "secret id")
		_ = fs.Parse(args)
		need(fs, map[string]string{"vault": *vaultID, "id": *id})

		vid := mustUUID(*vaultID, "vault id")
		s, err := a.unlocked(ctx, vid)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		if err := a.vaults.DeleteSecret(vid, mustUUID(*id, "secret id")); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "invite":
		fs := flag.NewFlagSet("invite", flag.ExitOnError)
		vaultID := fs.String("vault", "", "vault id")
		user := fs.String("user", "", "invitee user id")
		pub := fs.String("pub", "", "invitee public key (base64)")
		role := fs.String("role", "member", "member|admin|owner")
		_ = fs.Parse(args)
		need(fs, map[string]string{"vault": *vaultID, "user": *user, "pub": *pub})

		pubKey, err := decodeBase64(*pub)
		if err != nil {
			fail(fmt.Errorf("bad public key: %w", err))
		}
		vid := mustUUID(*vaultID, "vault id")
		s, err := a.unlocked(ctx, vid)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		inv, err := a.shares.Invite(s, vid, mustUUID(*user, "user id"), pubKey, model.Role(*role))
		if err != nil {
			fail(err)
		}
		fmt.Printf("vault: %s (%s)\nendpoint: %s\ncredential: %s\n",
			inv.VaultID, inv.VaultName, inv.Endpoint, inv.Credential)

	case "accept-invite":
		fs := flag.NewFlagSet("accept-invite", flag.ExitOnError)
		ep := fs.String("endpoint", "", "remote endpoint")
		credential := fs.String("credential", "", "invite credential")
		_ = fs.Parse(args)
		need(fs, map[string]string{"endpoint": *ep, "credential": *credential})

		s, err := a.session(ctx)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		vaultID, err := a.shares.AcceptInvite(ctx, s, *ep, *credential)
		if err != nil {
			fail(err)
		}
		fmt.Println(vaultID)

	case "share":
		fs := flag.NewFlagSet("share", flag.ExitOnError)
		vaultID := fs.String("vault", "", "vault id")
		id := fs.String("id", "", "secret id")
		user := fs.String("user", "", "recipient user id")
		pub := fs.String("pub", "", "recipient public key (base64)")
		ttl := fs.Duration("ttl", 0, "expiry (0 = never)")
		_ = fs.Parse(args)
		need(fs, map[string]string{"vault": *vaultID, "id": *id, "user": *user, "pub": *pub})

		pubKey, err := decodeBase64(*pub)
		if err != nil {
			fail(fmt.Errorf("bad public key: %w", err))
		}
		vid := mustUUID(*vaultID, "vault id")
		s, err := a.unlocked(ctx, vid)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		shareID, err := a.shares.ShareItem(s, vid, mustUUID(*id, "secret id"),
			mustUUID(*user, "user id"), pubKey, *ttl)
		if err != nil {
			fail(err)
		}
		fmt.Println(shareID)

	case "accept-share":
		fs := flag.NewFlagSet("accept-share", flag.ExitOnError)
		shareID := fs.String("share", "", "share id")
		vaultID := fs.String("vault", "", "target vault id")
		_ = fs.Parse(args)
		need(fs, map[string]string{"share": *shareID, "vault": *vaultID})

		vid := mustUUID(*vaultID, "vault id")
		s, err := a.unlocked(ctx, vid)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		id, err := a.shares.AcceptSharedItem(s, mustUUID(*shareID, "share id"), vid)
		if err != nil {
			fail(err)
		}
		fmt.Println(id)

	case "revoke-share":
		fs := flag.NewFlagSet("revoke-share", flag.ExitOnError)
		shareID := fs.String("share", "", "share id")
		_ = fs.Parse(args)
		need(fs, map[string]string{"share": *shareID})

		s, err := a.session(ctx)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		if err := a.shares.RevokeSharedItem(s, mustUUID(*shareID, "share id")); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "sync":
		fs := flag.NewFlagSet("sync", flag.ExitOnError)
		vaultID := fs.String("vault", "", "vault id")
		_ = fs.Parse(args)
		need(fs, map[string]string{"vault": *vaultID})

		status, err := a.repl.Sync(ctx, mustUUID(*vaultID, "vault id"))
		if err != nil {
			fail(err)
		}
		fmt.Println(status)

	case "export":
		fs := flag.NewFlagSet("export", flag.ExitOnError)
		out := fs.String("out", "", "output file")
		_ = fs.Parse(args)
		need(fs, map[string]string{"out": *out})

		s, err := a.session(ctx)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		pw, err := promptPasswordConfirm("Export password: ")
		if err != nil {
			fail(err)
		}
		f, err := os.OpenFile(*out, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		if err := backup.NewCodec(a.store, a.log).Export(ctx, s, pw, f); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	case "preview":
		fs := flag.NewFlagSet("preview", flag.ExitOnError)
		in := fs.String("in", "", "backup file")
		_ = fs.Parse(args)
		need(fs, map[string]string{"in": *in})

		pw, err := promptPassword("Export password: ")
		if err != nil {
			fail(err)
		}
		f, err := os.Open(*in)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		m, err := backup.NewCodec(a.store, a.log).Preview(ctx, f, pw)
		if err != nil {
			fail(err)
		}
		fmt.Printf("exported: %s\nuser: %s\nvaults: %d\nsecrets: %d\nmembers: %d\nshares: %d\nrewrappable: %v\n",
			m.ExportedAt.Format(time.RFC3339), m.UserID, m.Vaults, m.Secrets, m.Members, m.Shares, m.Rewrappable)

	case "import":
		fs := flag.NewFlagSet("import", flag.ExitOnError)
		in := fs.String("in", "", "backup file")
		rewrap := fs.Bool("rewrap", false, "set a new local password for the restored identity")
		_ = fs.Parse(args)
		need(fs, map[string]string{"in": *in})

		pw, err := promptPassword("Export password: ")
		if err != nil {
			fail(err)
		}
		newPw := ""
		if *rewrap {
			newPw, err = promptPasswordConfirm("New local password: ")
			if err != nil {
				fail(err)
			}
		}
		f, err := os.Open(*in)
		if err != nil {
			fail(err)
		}
		defer f.Close()
		if err := backup.NewCodec(a.store, a.log).Import(ctx, f, pw, newPw); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}

func runVault(ctx context.Context, a *app, sub string, args []string) {
	switch sub {

	case "create":
		fs := flag.NewFlagSet("vault create", flag.ExitOnError)
		name := fs.String("name", "", "vault name")
		kind := fs.String("kind", "private", "private|shared")
		ep := fs.String("endpoint", "", "remote endpoint (shared vaults)")
		_ = fs.Parse(args)
		need(fs, map[string]string{"name": *name})

		s, err := a.session(ctx)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		v, err := a.vaults.Create(s, *name, model.VaultKind(*kind), *ep)
		if err != nil {
			fail(err)
		}
		fmt.Println(v.VaultID)

	case "list":
		vaults, err := a.vaults.List()
		if err != nil {
			fail(err)
		}
		for _, v := range vaults {
			fmt.Printf("%s\t%s\t%s\t%s\n", v.VaultID, v.Name, v.Kind, v.RemoteEndpoint)
		}

	case "rm":
		fs := flag.NewFlagSet("vault rm", flag.ExitOnError)
		vaultID := fs.String("vault", "", "vault id")
		_ = fs.Parse(args)
		need(fs, map[string]string{"vault": *vaultID})

		s, err := a.session(ctx)
		if err != nil {
			fail(err)
		}
		defer s.Teardown()
		if err := a.vaults.Delete(s, mustUUID(*vaultID, "vault id")); err != nil {
			fail(err)
		}
		fmt.Println("ok")

	default:
		usage()
	}
}
