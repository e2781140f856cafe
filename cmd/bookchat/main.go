package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"bookchat/internal/bus"
	"bookchat/internal/config"
	"bookchat/internal/gateway"
	"bookchat/internal/identity"
	"bookchat/internal/session"
	"bookchat/internal/snapshot"
	"bookchat/internal/tracker"
	"bookchat/internal/upload"
	"bookchat/internal/util"
	"bookchat/pkg/domain"
)

func main() {
	configPath := flag.String("config", config.ConfigPath, "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	pollInterval, err := config.ParsePollInterval(cfg.PollInterval)
	if err != nil {
		log.Fatalf("failed to parse poll interval: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	backend, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("failed to open snapshot backend: %v", err)
	}
	store := snapshot.New(backend, logger)
	defer store.Close()

	app := &app{
		cfg:          cfg,
		pollInterval: pollInterval,
		gw:           gateway.NewClient(cfg.GatewayURL),
		store:        store,
		bus:          bus.New(),
		log:          logger,
	}
	// A sibling surface: the cached session list goes stale whenever a
	// session is created or a message lands, and refetches lazily.
	app.bus.Subscribe(bus.TopicSessionCreated, func(bus.Event) { app.sessionsDirty = true })
	app.bus.Subscribe(bus.TopicMessageSent, func(bus.Event) { app.sessionsDirty = true })

	defer app.release()
	app.repl()
}

func openBackend(cfg config.FileConfig) (snapshot.Backend, error) {
	switch cfg.SnapshotBackend {
	case "sqlite":
		return snapshot.NewSQLiteBackend(filepath.Join(cfg.DataDir, "snapshot.db"))
	case "redis":
		return snapshot.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, 30*24*time.Hour)
	default:
		return snapshot.NewFileBackend(filepath.Join(cfg.DataDir, "snapshot"))
	}
}

type app struct {
	cfg          config.FileConfig
	pollInterval time.Duration
	gw           *gateway.Client
	store        *snapshot.Store
	bus          *bus.Bus
	log          *slog.Logger

	ident        *identity.Identity
	refreshToken string
	controller   *session.Controller
	tracker      *tracker.Tracker
	coordinator  *upload.Coordinator

	sessions      []domain.SessionSummary
	sessionsDirty bool
}

func (a *app) repl() {
	fmt.Println("bookchat - type 'help' for commands")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]
		switch cmd {
		case "help":
			printHelp()
		case "login", "register":
			a.signIn(cmd, args)
		case "upload":
			a.upload(args)
		case "status":
			a.status()
		case "sessions":
			a.listSessions()
		case "resume":
			a.resume(args)
		case "new":
			a.newChat()
		case "remove":
			a.removeBook()
		case "logout":
			a.logout()
		case "quit", "exit":
			return
		default:
			a.send(line)
		}
	}
}

func printHelp() {
	fmt.Println(`commands:
  login <email> <password>     sign in
  register <email> <password>  create an account and sign in
  upload <path> [title]        upload a pdf or epub
  status                       show book and session state
  sessions                     list chat sessions
  resume <session-id>          switch to an earlier chat
  new                          start a new chat
  remove                       delete the current book
  logout                       sign out and wipe local state
  quit                         leave
anything else is sent as a chat message`)
}

func (a *app) signIn(cmd string, args []string) {
	if len(args) != 2 {
		fmt.Printf("usage: %s <email> <password>\n", cmd)
		return
	}
	ctx := context.Background()
	var creds gateway.Credentials
	var err error
	if cmd == "register" {
		creds, err = a.gw.Register(ctx, args[0], args[1])
	} else {
		creds, err = a.gw.Login(ctx, args[0], args[1])
	}
	if err != nil {
		fmt.Println("sign-in failed:", err)
		return
	}

	ident, err := identity.FromToken(creds.AccessToken)
	if err != nil {
		fmt.Println("sign-in failed:", err)
		return
	}
	a.release()
	if ident.OwnerID() == "" {
		acct, err := a.gw.Me(ctx, creds.AccessToken)
		if err != nil {
			fmt.Println("sign-in failed:", err)
			return
		}
		ident.SetOwnerID(acct.ID)
	}
	a.ident = ident
	a.refreshToken = creds.RefreshToken

	a.tracker = tracker.New(tracker.Config{
		Fetch:       a.gw,
		Token:       a.ident.Token,
		Interval:    a.pollInterval,
		MaxAttempts: a.cfg.MaxPollAttempts,
		Notify:      a.onTrack,
		Logger:      a.log,
	})
	a.coordinator = upload.New(a.gw, a.tracker, a.cfg.AllowedExtensions, a.cfg.MaxUploadBytes)
	controller, err := session.New(session.Config{
		Gateway:          a.gw,
		Store:            a.store,
		Bus:              a.bus,
		Identity:         a.ident,
		Polls:            a.tracker,
		Mode:             a.cfg.ChatMode,
		IncludeCitations: a.cfg.IncludeCitations,
		Logger:           a.log,
	})
	if err != nil {
		fmt.Println("sign-in failed:", err)
		return
	}
	a.controller = controller

	// Restore the snapshot and fetch the session list in parallel.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.controller.Restore(gctx) })
	g.Go(func() error {
		sessions, err := a.gw.ListSessions(gctx, a.ident.Token(), "")
		if err != nil {
			return err
		}
		a.sessions = sessions
		return nil
	})
	if err := g.Wait(); err != nil {
		fmt.Println("warning:", err)
	}

	fmt.Println("signed in")
	a.status()
}

func (a *app) onTrack(u tracker.Update) {
	switch u.Phase {
	case tracker.PhasePolling:
		fmt.Printf("\rprocessing... %d/%d", u.Attempt, u.MaxAttempts)
	case tracker.PhaseReady:
		fmt.Printf("\n%q is ready to chat\n> ", u.Book.Title)
		if a.controller != nil {
			a.controller.AttachBook(u.Book)
		}
	case tracker.PhaseFailed:
		fmt.Printf("\nprocessing failed for book %s\n> ", u.BookID)
	case tracker.PhaseTimedOut:
		fmt.Printf("\nthe book is taking longer than expected; try again later\n> ")
	case tracker.PhaseUnauthorized:
		// Runs on the poll goroutine, so no tracker.Close here; the
		// wipe clears the identity and the next command signs out.
		fmt.Printf("\nyour session expired; please log in again\n> ")
		a.log.Warn("auth failure during status poll", "err", u.Err)
		if a.controller != nil {
			a.controller.Deauthorize()
		}
	}
}

func (a *app) upload(args []string) {
	if a.controller == nil {
		fmt.Println("sign in first")
		return
	}
	if len(args) == 0 {
		fmt.Println("usage: upload <path> [title]")
		return
	}
	path := args[0]
	f, err := os.Open(path)
	if err != nil {
		fmt.Println("cannot open file:", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		fmt.Println("cannot stat file:", err)
		return
	}

	opts := gateway.UploadOptions{
		Progress: func(pct int) { fmt.Printf("\ruploading... %d%%", pct) },
	}
	if len(args) > 1 {
		opts.Title = strings.Join(args[1:], " ")
	}
	book, err := a.coordinator.Submit(context.Background(), a.ident.Token(),
		filepath.Base(path), f, info.Size(), opts)
	fmt.Println()
	if err != nil {
		fmt.Println("upload failed:", err)
		return
	}
	a.controller.AttachBook(book)
	a.controller.NewChat()
	if book.Ready() {
		fmt.Printf("%q is ready to chat\n", book.Title)
	} else {
		fmt.Printf("%q uploaded, waiting for processing\n", book.Title)
	}
}

func (a *app) status() {
	if a.controller == nil {
		fmt.Println("not signed in")
		return
	}
	if book, ok := a.controller.Book(); ok {
		fmt.Printf("book: %q (%s)\n", book.Title, book.ProcessingState)
	} else {
		fmt.Println("book: none")
	}
	fmt.Println("session:", a.controller.Ref())
}

func (a *app) listSessions() {
	if a.controller == nil {
		fmt.Println("sign in first")
		return
	}
	if a.sessionsDirty || a.sessions == nil {
		sessions, err := a.gw.ListSessions(context.Background(), a.ident.Token(), "")
		if err != nil {
			a.handleAuthFailure(fmt.Errorf("could not list sessions: %w", err))
			return
		}
		a.sessions = sessions
		a.sessionsDirty = false
	}
	if len(a.sessions) == 0 {
		fmt.Println("no sessions yet")
		return
	}
	for _, s := range a.sessions {
		title := s.BookTitle
		if s.BookAuthor != "" {
			title += " by " + s.BookAuthor
		}
		fmt.Printf("  %s  %s  %s\n", s.SessionID, title, s.CreatedAt.Format("2006-01-02 15:04"))
	}
}

func (a *app) resume(args []string) {
	if a.controller == nil {
		fmt.Println("sign in first")
		return
	}
	if len(args) != 1 {
		fmt.Println("usage: resume <session-id>")
		return
	}
	if err := a.controller.SwitchTo(context.Background(), args[0]); err != nil {
		a.handleAuthFailure(err)
		return
	}
	a.printMessages()
}

func (a *app) newChat() {
	if a.controller == nil {
		fmt.Println("sign in first")
		return
	}
	a.controller.NewChat()
	fmt.Println("new chat started")
}

func (a *app) removeBook() {
	if a.controller == nil {
		fmt.Println("sign in first")
		return
	}
	if err := a.controller.RemoveBook(context.Background()); err != nil {
		a.handleAuthFailure(err)
		return
	}
	fmt.Println("book removed")
}

func (a *app) send(content string) {
	if a.controller == nil {
		fmt.Println("sign in first")
		return
	}
	if a.ident.ExpiresWithin(time.Minute) {
		a.refresh()
	}
	// The REPL is sequential, so sends are naturally serialized.
	if err := a.controller.SendMessage(context.Background(), content); err != nil {
		a.handleAuthFailure(err)
		return
	}
	msgs := a.controller.Messages()
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		if last.Role == domain.RoleAssistant {
			fmt.Println(last.Content)
		}
	}
}

func (a *app) printMessages() {
	for _, m := range a.controller.Messages() {
		prefix := "you"
		if m.Role == domain.RoleAssistant {
			prefix = "book"
		}
		fmt.Printf("[%s] %s\n", prefix, m.Content)
	}
}

// refresh exchanges the refresh token for a fresh pair shortly before
// the access token expires. Failure is not fatal; the next 401 signs
// the user out.
func (a *app) refresh() {
	if a.refreshToken == "" {
		fmt.Println("your sign-in is about to expire; log in again soon")
		return
	}
	creds, err := a.gw.Refresh(context.Background(), a.refreshToken)
	if err != nil {
		fmt.Println("your sign-in is about to expire; log in again soon")
		a.log.Warn("token refresh failed", "err", err)
		return
	}
	if err := a.ident.Renew(creds.AccessToken); err != nil {
		a.log.Warn("refreshed token unusable", "err", err)
		return
	}
	a.refreshToken = creds.RefreshToken
}

func (a *app) handleAuthFailure(err error) {
	if !errors.Is(err, gateway.ErrUnauthorized) {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("your session expired; please log in again")
	a.log.Warn("auth failure", "err", err)
	a.teardown()
}

func (a *app) logout() {
	if a.controller == nil {
		fmt.Println("not signed in")
		return
	}
	a.teardown()
	fmt.Println("signed out")
}

// teardown signs out: wipes local and persisted state, then releases
// everything. Safe to call repeatedly.
func (a *app) teardown() {
	if a.controller != nil {
		a.controller.Logout()
	}
	a.release()
}

// release drops the signed-in wiring without touching the snapshot, so a
// re-login can still restore it.
func (a *app) release() {
	if a.tracker != nil {
		a.tracker.Close()
		a.tracker = nil
	}
	a.controller = nil
	a.ident = nil
	a.refreshToken = ""
	a.coordinator = nil
	a.sessions = nil
	a.sessionsDirty = false
}
